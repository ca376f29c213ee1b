package events

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Kind returns the wire discriminator for e: the concrete variant's type
// name ("FunctionCall", "GpuJob", ...). It is what CaptureEventEnvelope.kind
// carries next to the JSON payload, and what Decode keys its registry on.
func Kind(e ClientCaptureEvent) string {
	return reflect.TypeOf(e).Name()
}

// Encode serializes e for an envelope: the kind discriminator plus the JSON
// payload. The JSON shape is the variant struct itself; interned keys travel
// as plain integers, per the wire contract that key 0 means "absent".
func Encode(e ClientCaptureEvent) (kind string, payload []byte, err error) {
	payload, err = json.Marshal(e)
	if err != nil {
		return "", nil, fmt.Errorf("events: marshal %T: %w", e, err)
	}
	return Kind(e), payload, nil
}

// Decode reverses Encode. Unknown kinds are an error: the sender and
// receiver must agree on the closed variant set.
func Decode(kind string, payload []byte) (ClientCaptureEvent, error) {
	dec, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("events: unknown event kind %q", kind)
	}
	ev, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("events: unmarshal %s: %w", kind, err)
	}
	return ev, nil
}

func decodeInto[T ClientCaptureEvent](payload []byte) (ClientCaptureEvent, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// decoders maps every variant's Kind to its JSON decoder. One entry per
// clientCaptureEvent marker in types.go.
var decoders = map[string]func([]byte) (ClientCaptureEvent, error){
	"CaptureStarted":               decodeInto[CaptureStarted],
	"CaptureFinished":              decodeInto[CaptureFinished],
	"InternedString":               decodeInto[InternedString],
	"InternedCallstack":            decodeInto[InternedCallstack],
	"InternedTracepointInfo":       decodeInto[InternedTracepointInfo],
	"SchedulingSlice":              decodeInto[SchedulingSlice],
	"ThreadStateSlice":             decodeInto[ThreadStateSlice],
	"CallstackSample":              decodeInto[CallstackSample],
	"FunctionCall":                 decodeInto[FunctionCall],
	"GpuJob":                       decodeInto[GpuJob],
	"GpuQueueSubmission":           decodeInto[GpuQueueSubmission],
	"AddressInfo":                  decodeInto[AddressInfo],
	"ModuleUpdateEvent":            decodeInto[ModuleUpdateEvent],
	"ModulesSnapshot":              decodeInto[ModulesSnapshot],
	"ThreadNamesSnapshot":          decodeInto[ThreadNamesSnapshot],
	"ThreadName":                   decodeInto[ThreadName],
	"MemoryUsageEvent":             decodeInto[MemoryUsageEvent],
	"ApiScopeStart":                decodeInto[ApiScopeStart],
	"ApiScopeStop":                 decodeInto[ApiScopeStop],
	"ApiScopeStartAsync":           decodeInto[ApiScopeStartAsync],
	"ApiScopeStopAsync":            decodeInto[ApiScopeStopAsync],
	"ApiStringEvent":               decodeInto[ApiStringEvent],
	"ApiTrackInt":                  decodeInto[ApiTrackInt],
	"ApiTrackInt64":                decodeInto[ApiTrackInt64],
	"ApiTrackUint":                 decodeInto[ApiTrackUint],
	"ApiTrackUint64":               decodeInto[ApiTrackUint64],
	"ApiTrackFloat":                decodeInto[ApiTrackFloat],
	"ApiTrackDouble":               decodeInto[ApiTrackDouble],
	"WarningEvent":                 decodeInto[WarningEvent],
	"ClockResolutionEvent":         decodeInto[ClockResolutionEvent],
	"ErrorsWithPerfEventOpenEvent": decodeInto[ErrorsWithPerfEventOpenEvent],
	"ErrorEnablingOrbitApiEvent":   decodeInto[ErrorEnablingOrbitApiEvent],
	"ErrorEnablingUserSpaceInstrumentationEvent":            decodeInto[ErrorEnablingUserSpaceInstrumentationEvent],
	"WarningInstrumentingWithUserSpaceInstrumentationEvent": decodeInto[WarningInstrumentingWithUserSpaceInstrumentationEvent],
	"LostPerfRecordsEvent":           decodeInto[LostPerfRecordsEvent],
	"OutOfOrderEventsDiscardedEvent": decodeInto[OutOfOrderEventsDiscardedEvent],
}
