package at

import (
	"bufio"
	"reflect"
	"strings"
	"testing"
)

func TestSplitter(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"simple response", "+CSQ: 15,99\r\nOK\r\n", []string{"+CSQ: 15,99", "OK"}},
		{"cme error", "+CME ERROR: FILE NOT FOUND\r\n", []string{"+CME ERROR: FILE NOT FOUND"}},
		{"prompt with space", "> ", []string{">"}},
		{"bare prompt", ">", []string{">"}},
		{"urc between lines", "+CEREG: 5\r\n+ULSTFILE: 12\r\nOK\r\n", []string{"+CEREG: 5", "+ULSTFILE: 12", "OK"}},
		{
			"binary block with crlf inside",
			"+URDBLOCK: \"fw.bin\",6,\"a\r\nb\"c\"\r\nOK\r\n",
			[]string{"+URDBLOCK: \"fw.bin\",6,\"a\r\nb\"c\"", "OK"},
		},
		{"empty block", "+URDBLOCK: \"x\",0,\"\"\r\nOK\r\n", []string{"+URDBLOCK: \"x\",0,\"\"", "OK"}},
		{"block error form falls back to line", "+URDBLOCK: ERROR\r\n", []string{"+URDBLOCK: ERROR"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := bufio.NewScanner(strings.NewReader(tt.input))
			sc.Split(Splitter)
			var got []string
			for sc.Scan() {
				got = append(got, sc.Text())
			}
			if err := sc.Err(); err != nil {
				t.Fatalf("scan: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("tokens = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecoderPartialFeeds(t *testing.T) {
	d := NewDecoder(4096)
	input := "+UUSORF: 0,48\r\n+URDBLOCK: \"f\",4,\"\r\n\r\n\"\r\nOK\r\n>"

	var got []Token
	for i := 0; i < len(input); i++ {
		d.Feed([]byte{input[i]})
		for {
			tok, ok, _ := d.Next()
			if !ok {
				break
			}
			got = append(got, tok)
		}
	}

	want := []Token{
		{KindLine, "+UUSORF: 0,48"},
		{KindBlock, "+URDBLOCK: \"f\",4,\"\r\n\r\n\""},
		{KindLine, "OK"},
		{KindPrompt, ">"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tokens = %q, want %q", got, want)
	}
}

func TestDecoderOverflow(t *testing.T) {
	d := NewDecoder(8)
	d.Feed([]byte("0123456789"))
	if _, ok, overflow := d.Next(); ok || !overflow {
		t.Fatalf("Next() ok=%v overflow=%v, want false true", ok, overflow)
	}
	d.Feed([]byte("OK\r\n"))
	tok, ok, _ := d.Next()
	if !ok || tok.Text != "OK" {
		t.Errorf("Next() = %q %v, want OK", tok.Text, ok)
	}
}

func TestParseBlock(t *testing.T) {
	name, data, err := ParseBlock("+URDBLOCK: \"wombat.bin\",5,\"ab,\"c\"")
	if err != nil {
		t.Fatalf("ParseBlock: %v", err)
	}
	if name != "wombat.bin" {
		t.Errorf("name = %q, want wombat.bin", name)
	}
	if string(data) != "ab,\"c" {
		t.Errorf("data = %q, want %q", data, "ab,\"c")
	}

	if _, _, err := ParseBlock("+URDBLOCK: \"f\",9,\"short\""); err == nil {
		t.Error("expected error for truncated block")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want Result
	}{
		{"OK", ResultOK},
		{"ERROR", ResultError},
		{"+CME ERROR: 4", ResultError},
		{"+CMS ERROR: 500", ResultError},
		{"+CEREG: 1", ResultNone},
		{"OKAY", ResultNone},
	}
	for _, tt := range tests {
		if got := Classify(tt.line); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestSplitParams(t *testing.T) {
	got := SplitParams(`0,"93.184.216.34",123,48,"1C,02"`)
	want := []string{"0", "93.184.216.34", "123", "48", "1C,02"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitParams = %q, want %q", got, want)
	}
}

func TestMatchToken(t *testing.T) {
	if !MatchToken("+CME ERROR: 4", CmeError) {
		t.Error("prefix token should match")
	}
	if MatchToken("OK then", OK) {
		t.Error("exact token matched a longer line")
	}
}
