package storage

import (
	"strconv"
	"strings"
	"time"
)

// Native metadata keys. Providers lower-case or case-fold user metadata
// differently, so reads match them case-insensitively.
const (
	MetaUploadUID      = "uploaduid"
	MetaUploadDateTime = "uploaddatetime"
	MetaUploadSize     = "uploadsize"
	MetaImageWidth     = "imagewidth"
	MetaImageHeight    = "imageheight"
)

// ticksAtUnixEpoch is the number of 100ns ticks between 0001-01-01 and 1970-01-01.
const ticksAtUnixEpoch = 621355968000000000

// Ticks encodes t as a UTC tick count (100ns intervals since 0001-01-01).
func Ticks(t time.Time) int64 {
	return t.UTC().UnixNano()/100 + ticksAtUnixEpoch
}

// FromTicks decodes a UTC tick count.
func FromTicks(ticks int64) time.Time {
	return time.Unix(0, (ticks-ticksAtUnixEpoch)*100).UTC()
}

// SyncStamp is the upload identity stamped on every written object.
// The three values are always stored together.
type SyncStamp struct {
	UploadUID      string `json:"uploadUid"`
	UploadDateTime int64  `json:"uploadDateTime"`
	UploadSize     int64  `json:"uploadSize"`
}

// NewSyncStamp stamps an upload of size bytes at now.
func NewSyncStamp(uid string, size int64, now time.Time) *SyncStamp {
	return &SyncStamp{UploadUID: uid, UploadDateTime: Ticks(now), UploadSize: size}
}

// FileMetadata is the provider-independent view of one stored object.
type FileMetadata struct {
	FullPath      string            `json:"fullPath"`
	Key           string            `json:"key,omitempty"`
	ContentType   string            `json:"contentType"`
	ContentLength int64             `json:"contentLength"`
	ETag          string            `json:"etag"`
	CacheControl  string            `json:"cacheControl,omitempty"`
	Created       time.Time         `json:"created"`
	LastModified  time.Time         `json:"lastModified"`
	Sync          *SyncStamp        `json:"sync,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// IsFolderMarker reports whether the object is a zero-length folder marker.
func (m FileMetadata) IsFolderMarker() bool {
	return strings.HasSuffix(m.Key, "/")
}

// EncodeMetadata flattens a stamp and extra user metadata into the string
// map every provider accepts.
func EncodeMetadata(stamp *SyncStamp, extra map[string]string) map[string]string {
	out := make(map[string]string, len(extra)+3)
	for k, v := range extra {
		if v == "" {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	if stamp != nil {
		out[MetaUploadUID] = stamp.UploadUID
		out[MetaUploadDateTime] = strconv.FormatInt(stamp.UploadDateTime, 10)
		out[MetaUploadSize] = strconv.FormatInt(stamp.UploadSize, 10)
	}
	return out
}

// DecodeMetadata splits native metadata into the sync stamp and the
// remaining user metadata. A stamp is returned only when all three values
// are present and well formed.
func DecodeMetadata(native map[string]string) (*SyncStamp, map[string]string) {
	var uid, dt, size string
	var haveUID, haveDT, haveSize bool
	var extra map[string]string

	for k, v := range native {
		switch strings.ToLower(k) {
		case MetaUploadUID:
			uid, haveUID = v, true
		case MetaUploadDateTime:
			dt, haveDT = v, true
		case MetaUploadSize:
			size, haveSize = v, true
		default:
			if extra == nil {
				extra = make(map[string]string)
			}
			extra[strings.ToLower(k)] = v
		}
	}

	if !haveUID || !haveDT || !haveSize || uid == "" {
		return nil, extra
	}
	ticks, err := strconv.ParseInt(dt, 10, 64)
	if err != nil {
		return nil, extra
	}
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return nil, extra
	}
	return &SyncStamp{UploadUID: uid, UploadDateTime: ticks, UploadSize: n}, extra
}

// DecodePointerMetadata adapts SDKs that model metadata as map[string]*string.
func DecodePointerMetadata(native map[string]*string) (*SyncStamp, map[string]string) {
	flat := make(map[string]string, len(native))
	for k, v := range native {
		if v != nil {
			flat[k] = *v
		}
	}
	return DecodeMetadata(flat)
}

// PointerMetadata converts a flat map for SDKs that take map[string]*string.
func PointerMetadata(flat map[string]string) map[string]*string {
	out := make(map[string]*string, len(flat))
	for k, v := range flat {
		v := v
		out[k] = &v
	}
	return out
}
