package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           modelplane API
// @version         1.0
// @description     HTTP API for multi-tenant model checkpoint serving and request routing.
//
// @contact.name   modelplane maintainers
// @contact.url    https://github.com/your-org/modelplane
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
