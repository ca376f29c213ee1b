package events

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := CallstackSample{PID: 7, TID: 42, TimestampNS: 1000, CallstackID: 3}

	kind, payload, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if kind != "CallstackSample" {
		t.Fatalf("kind = %q, want CallstackSample", kind)
	}

	out, err := Decode(kind, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := out.(CallstackSample)
	if !ok {
		t.Fatalf("decoded type = %T, want CallstackSample", out)
	}
	if got != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, in)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	if _, err := Decode("NoSuchEvent", []byte("{}")); err == nil {
		t.Fatal("Decode accepted an unknown kind")
	}
}

// Every variant must be decodable by the kind string Encode produces,
// otherwise an envelope produced on one end is undeliverable on the other.
func TestEveryVariantRegistered(t *testing.T) {
	all := []ClientCaptureEvent{
		CaptureStarted{}, CaptureFinished{}, InternedString{},
		InternedCallstack{}, InternedTracepointInfo{}, SchedulingSlice{},
		ThreadStateSlice{}, CallstackSample{}, FunctionCall{}, GpuJob{},
		GpuQueueSubmission{}, AddressInfo{}, ModuleUpdateEvent{},
		ModulesSnapshot{}, ThreadNamesSnapshot{}, ThreadName{},
		MemoryUsageEvent{}, ApiScopeStart{}, ApiScopeStop{},
		ApiScopeStartAsync{}, ApiScopeStopAsync{}, ApiStringEvent{},
		ApiTrackInt{}, ApiTrackInt64{}, ApiTrackUint{}, ApiTrackUint64{},
		ApiTrackFloat{}, ApiTrackDouble{}, WarningEvent{},
		ClockResolutionEvent{}, ErrorsWithPerfEventOpenEvent{},
		ErrorEnablingOrbitApiEvent{},
		ErrorEnablingUserSpaceInstrumentationEvent{},
		WarningInstrumentingWithUserSpaceInstrumentationEvent{},
		LostPerfRecordsEvent{}, OutOfOrderEventsDiscardedEvent{},
	}
	for _, ev := range all {
		if _, ok := decoders[Kind(ev)]; !ok {
			t.Errorf("no decoder registered for %s", Kind(ev))
		}
	}
}
