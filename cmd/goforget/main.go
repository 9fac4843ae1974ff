package main

import "github.com/dbsmedya/goforget/cmd/goforget/cmd"

func main() {
	cmd.Execute()
}
