package main

import "github.com/fruitsalade/objectstore/internal/cli"

func main() {
	cli.Execute()
}
