package main

import "medxplorer/api/internal/cli"

func main() {
	cli.Execute()
}
