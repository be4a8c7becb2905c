//go:build !llama

package main

import "noded/internal/inference"

func newEngine() inference.Engine {
	return inference.NewStubEngine()
}
