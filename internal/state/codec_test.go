package state

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func samplePayload() Payload {
	return Payload{
		CallbackURL:   "/dashboard",
		CodeVerifier:  "verifier-verifier-verifier-verifier-verifi",
		ErrorURL:      "/oops",
		NewUserURL:    "/welcome",
		Link:          &Link{Email: "a@example.com", UserID: "0190c0de-0000-7000-8000-000000000001"},
		ExpiresAt:     time.UnixMilli(1_900_000_000_123),
		RequestSignUp: true,
		Extra:         map[string]any{"invitedBy": "u_42", "beta": true},
	}
}

// --- Round trip ---

func TestCodecRoundTrip(t *testing.T) {
	codecs := map[string]Codec{"json": JSONCodec{}, "cbor": CBORCodec{}}
	for name, c := range codecs {
		t.Run(name, func(t *testing.T) {
			tests := []struct {
				name string
				in   Payload
			}{
				{"all fields", samplePayload()},
				{"minimal", Payload{CallbackURL: "/", CodeVerifier: "v", ExpiresAt: time.UnixMilli(1)}},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					b, err := c.Marshal(tt.in)
					if err != nil {
						t.Fatalf("Marshal: %v", err)
					}
					got, err := c.Unmarshal(b)
					if err != nil {
						t.Fatalf("Unmarshal: %v", err)
					}
					if diff := cmp.Diff(tt.in, got); diff != "" {
						t.Errorf("round trip mismatch (-want +got):\n%s", diff)
					}
				})
			}
		})
	}
}

func TestCodecDeterministic(t *testing.T) {
	for name, c := range map[string]Codec{"json": JSONCodec{}, "cbor": CBORCodec{}} {
		t.Run(name, func(t *testing.T) {
			p := samplePayload()
			first, _ := c.Marshal(p)
			for range 10 {
				again, _ := c.Marshal(p)
				if string(again) != string(first) {
					t.Fatal("encoding is not deterministic")
				}
			}
		})
	}
}

// --- Protected keys ---

func TestCodecProtectedKeys(t *testing.T) {
	t.Run("extra cannot override typed fields on encode", func(t *testing.T) {
		p := Payload{
			CallbackURL:  "/safe",
			CodeVerifier: "server",
			ExpiresAt:    time.UnixMilli(1000),
			Extra: map[string]any{
				"callbackURL":  "https://evil.example",
				"codeVerifier": "attacker",
				"expiresAt":    float64(9_999_999_999_999),
				"link":         map[string]any{"email": "x@evil.example", "userId": "x"},
				"keep":         "me",
			},
		}
		b, err := JSONCodec{}.Marshal(p)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		got, err := JSONCodec{}.Unmarshal(b)
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		want := Payload{
			CallbackURL:  "/safe",
			CodeVerifier: "server",
			ExpiresAt:    time.UnixMilli(1000),
			Extra:        map[string]any{"keep": "me"},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("(-want +got):\n%s", diff)
		}
	})

	t.Run("decoded protected keys never land in extra", func(t *testing.T) {
		got, err := JSONCodec{}.Unmarshal([]byte(`{"callbackURL":"/a","codeVerifier":"v","expiresAt":5,"requestSignUp":true}`))
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got.Extra != nil {
			t.Errorf("expected nil Extra, got %v", got.Extra)
		}
		if !got.RequestSignUp {
			t.Error("requestSignUp lost")
		}
	})
}

// --- Malformed ---

func TestCodecMalformed(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
		input []byte
	}{
		{"json garbage", JSONCodec{}, []byte("not json")},
		{"json wrong type", JSONCodec{}, []byte(`{"expiresAt":"tomorrow"}`)},
		{"json array", JSONCodec{}, []byte(`[1,2,3]`)},
		{"cbor garbage", CBORCodec{}, []byte{0xff, 0x00, 0x13}},
		{"cbor truncated", CBORCodec{}, []byte{0xa1, 0x61}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.codec.Unmarshal(tt.input)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}

// --- Expiry ---

func TestPayloadExpired(t *testing.T) {
	now := time.Now()
	if (Payload{ExpiresAt: now.Add(time.Second)}).Expired(now) {
		t.Error("future deadline reported expired")
	}
	if !(Payload{ExpiresAt: now}).Expired(now) {
		t.Error("deadline == now should be expired")
	}
	if !(Payload{}).Expired(now) {
		t.Error("missing deadline should be expired")
	}
}
