package main

import "otc-reconciler/internal/cli"

func main() {
	cli.Execute()
}
