/*
Package dbtest spins up database containers for the tests of the document-store
backends. It wraps the testcontainers-go library for the common case where the
details of the container do not matter to the test.

Tests that need a specific customisation of the database should use the
testcontainers-go modules directly.

After a failure, a container can be kept running for manual inspection:

	go test ./neo4jstore -dbtest.inspect

This package is intended to be used in tests only.
*/
package dbtest
