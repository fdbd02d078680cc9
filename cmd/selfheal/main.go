package main

import "github.com/vietddude/selfheal/internal/cli"

func main() {
	cli.Execute()
}
