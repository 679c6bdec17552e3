// Package main implements the blelink CLI tool
package main

import "github.com/davidroman0O/blelink/cmd"

func main() {
	cmd.Execute()
}
