package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           noded API
// @version         1.0
// @description     HTTP API for a fleet-managed local LLM inference node: OpenAI-compatible inference plus node-control endpoints.
//
// @contact.name   noded maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
