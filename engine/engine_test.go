package engine

import (
	"context"
	"errors"
	"testing"
)

func TestTransformFunc_Contract(t *testing.T) {
	echo := TransformFunc(func(ctx context.Context, batch []byte) ([]Output, error) {
		return []Output{{Sink: SinkSelector{Kind: SelectDefault}, Data: batch}}, nil
	})

	outs, err := echo.Process(context.Background(), []byte("{\"i\":1}\n"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outs))
	}
	if string(outs[0].Data) != "{\"i\":1}\n" {
		t.Errorf("payload = %q", outs[0].Data)
	}
	if outs[0].Sink.Kind != SelectDefault {
		t.Errorf("sink kind = %q, want default", outs[0].Sink.Kind)
	}
}

func TestGuestError_Classification(t *testing.T) {
	failing := TransformFunc(func(ctx context.Context, batch []byte) ([]Output, error) {
		return nil, &GuestError{Plugin: "scrub", Message: "bad field"}
	})

	_, err := failing.Process(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error")
	}

	var guest *GuestError
	if !errors.As(err, &guest) {
		t.Fatalf("error %v is not a GuestError", err)
	}
	if guest.Plugin != "scrub" {
		t.Errorf("plugin = %q", guest.Plugin)
	}

	// A host failure must not classify as guest.
	hostFailing := TransformFunc(func(ctx context.Context, batch []byte) ([]Output, error) {
		return nil, errors.New("trap: out of bounds")
	})
	_, err = hostFailing.Process(context.Background(), nil)
	if errors.As(err, &guest) {
		t.Error("host failure classified as GuestError")
	}
}
