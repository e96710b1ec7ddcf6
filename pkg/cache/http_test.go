package cache

import (
	"net/http"
	"testing"
	"time"
)

func TestParseExpires(t *testing.T) {
	want := time.Date(2024, time.October, 21, 7, 28, 0, 0, time.UTC)

	tests := []struct {
		name    string
		headers http.Header
		wantOK  bool
	}{
		{
			name:    "valid expires header",
			headers: http.Header{"Expires": []string{"Mon, 21 Oct 2024 07:28:00 GMT"}},
			wantOK:  true,
		},
		{
			name:    "no expires header",
			headers: http.Header{},
			wantOK:  false,
		},
		{
			name:    "invalid expires header",
			headers: http.Header{"Expires": []string{"not a valid date"}},
			wantOK:  false,
		},
		{
			name:    "nil headers",
			headers: nil,
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseExpires(tt.headers)
			if ok != tt.wantOK {
				t.Fatalf("ParseExpires() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !got.Equal(want) {
				t.Errorf("ParseExpires() = %v, want %v", got, want)
			}
		})
	}
}

func TestMaxExpires(t *testing.T) {
	t1 := time.Date(2024, time.October, 21, 7, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Minute)

	header := func(ts time.Time) http.Header {
		return http.Header{"Expires": []string{ts.Format(http.TimeFormat)}}
	}

	got, ok := MaxExpires(header(t1), http.Header{}, header(t2), header(t1))
	if !ok {
		t.Fatal("MaxExpires() reported no expiry")
	}
	if !got.Equal(t2) {
		t.Errorf("MaxExpires() = %v, want %v", got, t2)
	}

	if _, ok := MaxExpires(http.Header{}, nil); ok {
		t.Error("MaxExpires() without parseable headers should report false")
	}
}
