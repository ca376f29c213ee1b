// Package capturepb holds the Go message types for the CaptureService
// contract defined in proto/capture.proto.
//
// These types are hand-written rather than protoc-generated: this build
// environment has no protoc/protoc-gen-go toolchain available
// (internal/proto/gen/gen.go can emit a precompiled descriptor for
// proto/capture.proto should that change). Rather than
// fabricate a vendored stub, these messages use the pre-APIv2 generated-code
// shape — a plain struct with `protobuf:` field tags plus
// Reset/String/ProtoMessage — that protoc-gen-go itself emitted for years.
// google.golang.org/protobuf's legacy-message support loads such a struct's
// descriptor from its field tags via reflection at first use, so it marshals
// correctly through github.com/golang/protobuf/proto and through grpc-go's
// default codec without a precompiled FileDescriptorProto.
package capturepb

import (
	"github.com/golang/protobuf/proto"
)

// CaptureRegistration is sent once by a producer when it first connects to
// a daemon (proto/capture.proto CaptureRegistration).
type CaptureRegistration struct {
	SessionId     string `protobuf:"bytes,1,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
	TargetPid     uint32 `protobuf:"varint,2,opt,name=target_pid,json=targetPid,proto3" json:"target_pid,omitempty"`
	ProducerName  string `protobuf:"bytes,3,opt,name=producer_name,json=producerName,proto3" json:"producer_name,omitempty"`
	ClientVersion string `protobuf:"bytes,4,opt,name=client_version,json=clientVersion,proto3" json:"client_version,omitempty"`
}

func (m *CaptureRegistration) Reset()         { *m = CaptureRegistration{} }
func (m *CaptureRegistration) String() string { return proto.CompactTextString(m) }
func (*CaptureRegistration) ProtoMessage()    {}

func (m *CaptureRegistration) GetSessionId() string {
	if m != nil {
		return m.SessionId
	}
	return ""
}

func (m *CaptureRegistration) GetTargetPid() uint32 {
	if m != nil {
		return m.TargetPid
	}
	return 0
}

func (m *CaptureRegistration) GetProducerName() string {
	if m != nil {
		return m.ProducerName
	}
	return ""
}

func (m *CaptureRegistration) GetClientVersion() string {
	if m != nil {
		return m.ClientVersion
	}
	return ""
}

// CaptureAck is the daemon's response to RegisterCapture and to every
// CaptureEventEnvelope (proto/capture.proto CaptureAck).
type CaptureAck struct {
	Ok         bool   `protobuf:"varint,1,opt,name=ok,proto3" json:"ok,omitempty"`
	ProducerId string `protobuf:"bytes,2,opt,name=producer_id,json=producerId,proto3" json:"producer_id,omitempty"`
	Error      string `protobuf:"bytes,3,opt,name=error,proto3" json:"error,omitempty"`
}

func (m *CaptureAck) Reset()         { *m = CaptureAck{} }
func (m *CaptureAck) String() string { return proto.CompactTextString(m) }
func (*CaptureAck) ProtoMessage()    {}

func (m *CaptureAck) GetOk() bool {
	if m != nil {
		return m.Ok
	}
	return false
}

func (m *CaptureAck) GetProducerId() string {
	if m != nil {
		return m.ProducerId
	}
	return ""
}

func (m *CaptureAck) GetError() string {
	if m != nil {
		return m.Error
	}
	return ""
}

// CaptureEventEnvelope carries one serialized events.ClientCaptureEvent
// (proto/capture.proto CaptureEventEnvelope).
type CaptureEventEnvelope struct {
	SessionId string `protobuf:"bytes,1,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
	Sequence  uint64 `protobuf:"varint,2,opt,name=sequence,proto3" json:"sequence,omitempty"`
	Kind      string `protobuf:"bytes,3,opt,name=kind,proto3" json:"kind,omitempty"`
	EventJson []byte `protobuf:"bytes,4,opt,name=event_json,json=eventJson,proto3" json:"event_json,omitempty"`
}

func (m *CaptureEventEnvelope) Reset()         { *m = CaptureEventEnvelope{} }
func (m *CaptureEventEnvelope) String() string { return proto.CompactTextString(m) }
func (*CaptureEventEnvelope) ProtoMessage()    {}

func (m *CaptureEventEnvelope) GetSessionId() string {
	if m != nil {
		return m.SessionId
	}
	return ""
}

func (m *CaptureEventEnvelope) GetSequence() uint64 {
	if m != nil {
		return m.Sequence
	}
	return 0
}

func (m *CaptureEventEnvelope) GetKind() string {
	if m != nil {
		return m.Kind
	}
	return ""
}

func (m *CaptureEventEnvelope) GetEventJson() []byte {
	if m != nil {
		return m.EventJson
	}
	return nil
}

func init() {
	proto.RegisterType((*CaptureRegistration)(nil), "captrace.CaptureRegistration")
	proto.RegisterType((*CaptureAck)(nil), "captrace.CaptureAck")
	proto.RegisterType((*CaptureEventEnvelope)(nil), "captrace.CaptureEventEnvelope")
}
