package wire

import "testing"

func TestURLEncodeDecodeRoundTrip(t *testing.T) {
	cases := []string{"alice", "sp ace", "p@ss/word!", "", "100%done"}
	for _, c := range cases {
		enc := URLEncode(c)
		dec, err := URLDecode(enc)
		if err != nil {
			t.Fatalf("URLDecode(%q): %v", enc, err)
		}
		if dec != c {
			t.Errorf("round trip %q -> %q -> %q", c, enc, dec)
		}
	}
}

func TestURLEncode_SpaceIsPercentEncoded(t *testing.T) {
	// Unlike net/url.QueryEscape, space must become %20, not "+".
	got := URLEncode("a b")
	if got != "a%20b" {
		t.Errorf("URLEncode(\"a b\") = %q, want \"a%%20b\"", got)
	}
}

func TestURLEncode_LowercaseHex(t *testing.T) {
	got := URLEncode("\xff")
	if got != "%ff" {
		t.Errorf("URLEncode(0xff) = %q, want %%ff (lowercase)", got)
	}
}

func TestURLDecode_TruncatedEscape(t *testing.T) {
	if _, err := URLDecode("abc%2"); err == nil {
		t.Fatal("expected error for truncated escape")
	}
}

func TestURLDecode_InvalidHex(t *testing.T) {
	if _, err := URLDecode("%zz"); err == nil {
		t.Fatal("expected error for invalid hex escape")
	}
}

func TestEncodeHelperRequest_None(t *testing.T) {
	line := EncodeHelperRequest(HelperRequest{SourceIP: "1.2.3.4", Method: HelperMethodNone})
	want := "1.2.3.4 none\n"
	if line != want {
		t.Errorf("got %q, want %q", line, want)
	}
}

func TestEncodeHelperRequest_Username(t *testing.T) {
	line := EncodeHelperRequest(HelperRequest{
		SourceIP: "1.2.3.4",
		Method:   HelperMethodUsername,
		Username: "alice",
		Password: "p@ss",
	})
	want := "1.2.3.4 username alice p%40ss\n"
	if line != want {
		t.Errorf("got %q, want %q", line, want)
	}
}

func TestParseHelperReply_OKFullFields(t *testing.T) {
	reply, err := ParseHelperReply("OK 10.0.0.1 1080 username alice p%40ss")
	if err != nil {
		t.Fatalf("ParseHelperReply: %v", err)
	}
	if !reply.OK {
		t.Fatal("expected OK reply")
	}
	if reply.NextHopAddr != "10.0.0.1" || reply.NextHopPort != 1080 {
		t.Errorf("next hop = %s:%d", reply.NextHopAddr, reply.NextHopPort)
	}
	if reply.Method != HelperMethodUsername || reply.Username != "alice" || reply.Password != "p@ss" {
		t.Errorf("got %+v", reply)
	}
}

func TestParseHelperReply_OKNoneMethod(t *testing.T) {
	reply, err := ParseHelperReply("OK 10.0.0.1 1080 none")
	if err != nil {
		t.Fatalf("ParseHelperReply: %v", err)
	}
	if reply.Method != HelperMethodNone {
		t.Errorf("Method = %q, want none", reply.Method)
	}
}

func TestParseHelperReply_ERR(t *testing.T) {
	reply, err := ParseHelperReply("ERR bad credentials")
	if err != nil {
		t.Fatalf("ParseHelperReply: %v", err)
	}
	if reply.OK {
		t.Fatal("expected non-OK reply")
	}
	if reply.Error != "bad credentials" {
		t.Errorf("Error = %q", reply.Error)
	}
}

func TestParseHelperReply_UnknownDiscriminator(t *testing.T) {
	if _, err := ParseHelperReply("WAT something"); err == nil {
		t.Fatal("expected error for unknown discriminator")
	}
}

func TestParseHelperReply_DoesNotReplicateOriginalStrcmpBug(t *testing.T) {
	// The original C helper reader treats a *non-matching* strcmp result as
	// truthy, which backwards-invokes the OK handler for input that is not
	// "OK" and the ERR handler for anything that isn't "ERR". We
	// intentionally implement the corrected, literal-equality behavior.
	reply, err := ParseHelperReply("OK")
	if err != nil {
		t.Fatalf("ParseHelperReply(\"OK\"): %v", err)
	}
	if !reply.OK {
		t.Error("bare \"OK\" must be treated as a successful reply")
	}
}
