package provision

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseCredentials(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		ok   bool
		sid  string
	}{
		{
			name: "valid",
			text: "ACaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa 0123456789abcdef0123456789abcdef",
			ok:   true,
			sid:  "ACaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		},
		{name: "short sid", text: "ACdead beefbeefbeefbeefbeefbeefbeefbeef", ok: false},
		{name: "short token", text: "ACaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa tok", ok: false},
		{name: "plain text", text: "hello there", ok: false},
		{name: "empty", text: "", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			creds, ok := ParseCredentials(tt.text)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && creds.SID != tt.sid {
				t.Fatalf("sid = %q, want %q", creds.SID, tt.sid)
			}
		})
	}
}

func testClient(t *testing.T, handler http.Handler) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewTwilio(
		Credentials{SID: "ACtest", Token: "secret"},
		Options{BaseURL: srv.URL, HTTPClient: srv.Client()},
	)
}

func TestVerify(t *testing.T) {
	t.Parallel()
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/ACtest.json" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "ACtest" || pass != "secret" {
			t.Error("missing or wrong basic auth")
		}
		w.Write([]byte(`{"sid":"ACtest","status":"active"}`))
	}))
	if err := c.Verify(context.Background()); err != nil {
		t.Fatalf("Verify error: %v", err)
	}
}

func TestVerifyRejected(t *testing.T) {
	t.Parallel()
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":20003,"message":"Authenticate"}`))
	}))
	err := c.Verify(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestSearch(t *testing.T) {
	t.Parallel()
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/ACtest/AvailablePhoneNumbers/CA/Local.json" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("AreaCode"); got != "825" {
			t.Errorf("AreaCode = %q", got)
		}
		w.Write([]byte(`{"available_phone_numbers":[
			{"phone_number":"+18255550101","friendly_name":"(825) 555-0101"},
			{"phone_number":"+18255550102","friendly_name":"(825) 555-0102"}
		]}`))
	}))
	nums, err := c.Search(context.Background(), "825", 30)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(nums) != 2 || nums[0].PhoneNumber != "+18255550101" {
		t.Fatalf("unexpected numbers: %+v", nums)
	}
}

func TestLeaseUnavailable(t *testing.T) {
	t.Parallel()
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21422,"message":"PhoneNumber is not available"}`))
	}))
	err := c.Lease(context.Background(), "+18255550101")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestReleaseResolvesResourceID(t *testing.T) {
	t.Parallel()
	var deleted string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.Write([]byte(`{"incoming_phone_numbers":[
				{"sid":"PN111","phone_number":"+18255550101"},
				{"sid":"PN222","phone_number":"+18255550102"}
			]}`))
		case r.Method == http.MethodDelete:
			deleted = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	if err := c.Release(context.Background(), "+18255550102"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if deleted != "/2010-04-01/Accounts/ACtest/IncomingPhoneNumbers/PN222.json" {
		t.Fatalf("deleted path = %q", deleted)
	}
}

func TestReleaseUnknownNumberIsNoop(t *testing.T) {
	t.Parallel()
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			t.Error("unexpected delete")
		}
		w.Write([]byte(`{"incoming_phone_numbers":[]}`))
	}))
	if err := c.Release(context.Background(), "+15550000000"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
}

func TestMessages(t *testing.T) {
	t.Parallel()
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("To"); got != "+18255550101" {
			t.Errorf("To = %q", got)
		}
		w.Write([]byte(`{"messages":[
			{"sid":"SM2","from":"+15550002","to":"+18255550101","body":"Your code is 123-456","date_sent":"Tue, 20 Aug 2024 14:01:05 +0000"},
			{"sid":"SM1","from":"+15550001","to":"+18255550101","body":"older","date_sent":"Tue, 20 Aug 2024 13:00:00 +0000"}
		]}`))
	}))
	msgs, err := c.Messages(context.Background(), "+18255550101", 2, time.Time{})
	if err != nil {
		t.Fatalf("Messages error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].SID != "SM2" || msgs[0].Body != "Your code is 123-456" {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
	if msgs[0].SentAt.IsZero() {
		t.Fatal("SentAt not parsed")
	}
}
