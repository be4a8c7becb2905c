//go:build llama

package main

import (
	"runtime"

	"noded/internal/inference"
)

func newEngine() inference.Engine {
	return inference.NewLlamaEngine(2048, runtime.NumCPU())
}
