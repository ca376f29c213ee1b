// Package capture carries the CaptureService wire contract. The Go message
// and service bindings live in internal/proto/capturepb; when a protoc
// toolchain is available they can be regenerated from capture.proto instead,
// via go generate (run from the repository root):
//
//	go generate ./proto/...
//
// Requires protoc, protoc-gen-go, and protoc-gen-go-grpc on PATH:
//
//	go install google.golang.org/protobuf/cmd/protoc-gen-go@latest
//	go install google.golang.org/grpc/cmd/protoc-gen-go-grpc@latest
//
//go:generate protoc --go_out=. --go_opt=paths=source_relative --go-grpc_out=. --go-grpc_opt=paths=source_relative capture.proto
package capture
