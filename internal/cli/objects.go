package cli

import (
	"fmt"
	"io"
	"os"
	"path"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fruitsalade/objectstore/internal/storage"
	"github.com/fruitsalade/objectstore/internal/upload"
)

func (a *app) lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [folder]",
		Short: "List the direct children of a folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder := "/"
			if len(args) == 1 {
				folder = args[0]
			}
			entries, err := a.svc.ListFolder(cmd.Context(), folder)
			if err != nil {
				return a.explain(err)
			}
			if a.jsonOut {
				return printJSON(cmd, entries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tSIZE\tMODIFIED")
			for _, e := range entries {
				kind, size, modified := "file", fmt.Sprint(e.Size), "-"
				if e.IsDirectory {
					kind, size = "dir", "-"
				}
				if !e.ModifiedUtc.IsZero() {
					modified = e.ModifiedUtc.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, kind, size, modified)
			}
			return w.Flush()
		},
	}
}

func (a *app) statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show an object's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := a.svc.GetFile(cmd.Context(), args[0])
			if err != nil {
				return a.explain(err)
			}
			return printJSON(cmd, meta)
		},
	}
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path> [dest]",
		Short: "Download an object to a file or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, _, err := a.svc.GetStream(cmd.Context(), args[0])
			if err != nil {
				return a.explain(err)
			}
			defer rc.Close()

			out := cmd.OutOrStdout()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Create(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if _, err := io.Copy(out, rc); err != nil {
				return fmt.Errorf("download %s: %w", args[0], err)
			}
			return nil
		},
	}
}

func (a *app) putCmd() *cobra.Command {
	var (
		contentType  string
		cacheControl string
		chunkSize    int64
	)
	cmd := &cobra.Command{
		Use:   "put <src> <path>",
		Short: "Upload a local file, or stdin with src \"-\"",
		Long: `Upload a local file to a logical path on the primary provider.

With --chunk-size the file is split and sent through the chunked upload
assembler, the same way browser clients upload large files.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := args[0], args[1]
			if chunkSize > 0 {
				if src == "-" {
					return fmt.Errorf("chunked upload needs a file, not stdin")
				}
				return a.putChunked(cmd, src, dst, contentType, cacheControl, chunkSize)
			}

			var (
				in   io.Reader = cmd.InOrStdin()
				size           = storage.UnknownSize
			)
			if src != "-" {
				f, err := os.Open(src)
				if err != nil {
					return err
				}
				defer f.Close()
				info, err := f.Stat()
				if err != nil {
					return err
				}
				in, size = f, info.Size()
			}
			meta, err := a.svc.Put(cmd.Context(), dst, in, storage.PutOptions{
				ContentType:  contentType,
				CacheControl: cacheControl,
				Size:         size,
			})
			if err != nil {
				return a.explain(err)
			}
			return a.printWritten(cmd, meta)
		},
	}
	cmd.Flags().StringVarP(&contentType, "content-type", "t", "", "Content type (inferred when empty)")
	cmd.Flags().StringVar(&cacheControl, "cache-control", "", "Cache-Control value stored with the object")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "Upload in chunks of this many bytes")
	return cmd
}

func (a *app) putChunked(cmd *cobra.Command, src, dst, contentType, cacheControl string, chunkSize int64) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	size := info.Size()
	total := (size + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	asm := upload.New(a.svc, upload.Options{
		IdleTimeout:         a.cfg.Upload.IdleTimeout,
		MaxChunkBytes:       chunkSize,
		DefaultCacheControl: a.cfg.Upload.DefaultCacheControl,
	})

	folder, name := path.Split(dst)
	m := upload.ChunkMetadata{
		UploadUid:     uuid.NewString(),
		FileName:      name,
		RelativePath:  folder,
		ContentType:   contentType,
		TotalChunks:   total,
		TotalFileSize: size,
		CacheControl:  cacheControl,
	}
	for i := int64(0); i < total; i++ {
		m.ChunkIndex = i
		res, err := asm.AcceptChunk(cmd.Context(), m, io.NewSectionReader(f, i*chunkSize, chunkSize))
		if err != nil {
			if abortErr := asm.Abort(cmd.Context(), m.UploadUid); abortErr != nil && a.verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "abort %s: %v\n", m.UploadUid, abortErr)
			}
			return a.explain(err)
		}
		if res.File != nil {
			return a.printWritten(cmd, *res.File)
		}
	}
	return fmt.Errorf("upload %s did not complete", m.UploadUid)
}

func (a *app) printWritten(cmd *cobra.Command, meta storage.FileMetadata) error {
	if a.jsonOut {
		return printJSON(cmd, meta)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\t%s\n", meta.FullPath, meta.ContentLength, meta.ETag)
	return nil
}

// printReport prints a folder operation's outcome. A partial failure is
// still an error.
func (a *app) printReport(cmd *cobra.Command, report storage.FolderReport, err error) error {
	if a.jsonOut {
		if jerr := printJSON(cmd, report); jerr != nil {
			return jerr
		}
	} else {
		for _, p := range report.Succeeded {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		for _, f := range report.Failed {
			fmt.Fprintf(cmd.ErrOrStderr(), "failed: %s: %s\n", f.Path, f.Error)
		}
	}
	return a.explain(err)
}

func (a *app) rmCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete an object, or a folder with -r",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if recursive {
				report, err := a.svc.DeleteFolder(cmd.Context(), args[0])
				return a.printReport(cmd, report, err)
			}
			return a.explain(a.svc.DeleteFile(cmd.Context(), args[0]))
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Delete a folder and everything under it")
	return cmd
}

func (a *app) mvCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "mv <from> <to>",
		Short: "Move an object, or a folder with -r",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if recursive {
				report, err := a.svc.MoveFolder(cmd.Context(), args[0], args[1])
				return a.printReport(cmd, report, err)
			}
			return a.explain(a.svc.MoveFile(cmd.Context(), args[0], args[1]))
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Move a folder and everything under it")
	return cmd
}

func (a *app) cpCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "cp <from> <to>",
		Short: "Copy an object, or a folder with -r",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if recursive {
				report, err := a.svc.CopyFolder(cmd.Context(), args[0], args[1])
				return a.printReport(cmd, report, err)
			}
			return a.explain(a.svc.CopyFile(cmd.Context(), args[0], args[1]))
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Copy a folder and everything under it")
	return cmd
}

func (a *app) mkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <folder>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.explain(a.svc.CreateFolder(cmd.Context(), args[0]))
		},
	}
}
