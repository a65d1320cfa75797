package auth

import (
	"strconv"
	"testing"
	"time"
)

func TestCallbackSignatureRoundTrip(t *testing.T) {
	secret := "shhh"
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	body := []byte(`{"callback_id":"abc"}`)

	sig, err := ComputeCallbackSignature(secret, ts, "POST", body)
	if err != nil {
		t.Fatalf("ComputeCallbackSignature() err=%v", err)
	}
	if err := VerifyCallbackSignature(secret, ts, "POST", body, sig); err != nil {
		t.Fatalf("VerifyCallbackSignature() err=%v", err)
	}

	if err := VerifyCallbackSignature(secret, ts, "POST", []byte(`{"callback_id":"tampered"}`), sig); err == nil {
		t.Fatalf("expected error for tampered body")
	}
	if err := VerifyCallbackSignature("other", ts, "POST", body, sig); err == nil {
		t.Fatalf("expected error for wrong secret")
	}
}

func TestVerifyCallbackTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()

	tests := []struct {
		name    string
		ts      string
		maxSkew time.Duration
		wantErr bool
	}{
		{name: "fresh", ts: strconv.FormatInt(now.Unix(), 10), maxSkew: time.Minute},
		{name: "stale", ts: strconv.FormatInt(now.Add(-5*time.Minute).Unix(), 10), maxSkew: time.Minute, wantErr: true},
		{name: "future", ts: strconv.FormatInt(now.Add(5*time.Minute).Unix(), 10), maxSkew: time.Minute, wantErr: true},
		{name: "skew disabled", ts: strconv.FormatInt(now.Add(-time.Hour).Unix(), 10), maxSkew: 0},
		{name: "garbage", ts: "not-a-number", maxSkew: time.Minute, wantErr: true},
		{name: "empty", ts: "", maxSkew: time.Minute, wantErr: true},
	}

	for _, tc := range tests {
		err := VerifyCallbackTimestamp(tc.ts, now, tc.maxSkew)
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}
}
