//go:build ignore

// gen.go builds the raw FileDescriptorProto bytes for proto/capture.proto,
// for use if internal/proto/capturepb is ever migrated from the legacy
// field-tag-reflection message shape to a precompiled descriptor.
// Run with: go run ./internal/proto/gen/gen.go
package main

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"

	"google.golang.org/protobuf/proto"
	descriptorpb "google.golang.org/protobuf/types/descriptorpb"
)

func main() {
	fd := &descriptorpb.FileDescriptorProto{
		Name:    s("proto/capture.proto"),
		Package: s("captrace"),
		Options: &descriptorpb.FileOptions{
			GoPackage: s("github.com/captrace/captrace/internal/proto/capturepb"),
		},
		Syntax: s("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: s("CaptureRegistration"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("session_id"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("sessionId")},
					{Name: s("target_pid"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT32.Enum(), JsonName: s("targetPid")},
					{Name: s("producer_name"), Number: p(3), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("producerName")},
					{Name: s("client_version"), Number: p(4), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("clientVersion")},
				},
			},
			{
				Name: s("CaptureAck"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("ok"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_BOOL.Enum(), JsonName: s("ok")},
					{Name: s("producer_id"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("producerId")},
					{Name: s("error"), Number: p(3), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("error")},
				},
			},
			{
				Name: s("CaptureEventEnvelope"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("session_id"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("sessionId")},
					{Name: s("sequence"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT64.Enum(), JsonName: s("sequence")},
					{Name: s("kind"), Number: p(3), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("kind")},
					{Name: s("event_json"), Number: p(4), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_BYTES.Enum(), JsonName: s("eventJson")},
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: s("CaptureService"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{
						Name:       s("RegisterCapture"),
						InputType:  s(".captrace.CaptureRegistration"),
						OutputType: s(".captrace.CaptureAck"),
					},
					{
						Name:            s("StreamCaptureEvents"),
						InputType:       s(".captrace.CaptureEventEnvelope"),
						OutputType:      s(".captrace.CaptureAck"),
						ClientStreaming: b(true),
						ServerStreaming: b(true),
					},
				},
			},
		},
	}

	raw, err := proto.Marshal(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal error: %v\n", err)
		os.Exit(1)
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		fmt.Fprintf(os.Stderr, "gzip write error: %v\n", err)
		os.Exit(1)
	}
	if err := w.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "gzip close error: %v\n", err)
		os.Exit(1)
	}

	gzBytes := buf.Bytes()
	fmt.Printf("// Raw: %d bytes, GZip: %d bytes\n", len(raw), len(gzBytes))
	fmt.Printf("var file_proto_capture_proto_rawDescGZIP_once sync.Once\n")
	fmt.Printf("var file_proto_capture_proto_rawDescGZIP_data []byte\n\n")
	fmt.Printf("var file_proto_capture_proto_rawDesc = []byte{\n\t")
	for i, by := range gzBytes {
		if i > 0 && i%16 == 0 {
			fmt.Printf("\n\t")
		}
		fmt.Printf("0x%02x,", by)
	}
	fmt.Printf("\n}\n")
}

func s(v string) *string { return &v }
func p(v int32) *int32   { return &v }
func b(v bool) *bool     { return &v }
