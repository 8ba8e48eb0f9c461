package canon

import (
	"strings"
	"testing"
)

func TestJSON_SortsKeysAtEveryDepth(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{"y": 1, "x": 2},
		"a": []interface{}{3, 1, 2},
	}
	b, err := JSON(input)
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	want := `{"a":[3,1,2],"z":{"x":2,"y":1}}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestJSON_NoHTMLEscaping(t *testing.T) {
	b, err := JSON(map[string]string{"html": "<a>&</a>"})
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	if strings.Contains(string(b), `\u003c`) {
		t.Errorf("expected raw angle brackets, got %s", b)
	}
	want := `{"html":"<a>&</a>"}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestJSON_PreservesArrayOrder(t *testing.T) {
	b, err := JSON([]interface{}{3, 1, 2})
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	if string(b) != "[3,1,2]" {
		t.Errorf("got %s", b)
	}
}

func TestJSON_NumbersPreservedExactly(t *testing.T) {
	// json.Number round-trip must not introduce float rendering artifacts.
	b, err := JSON(map[string]interface{}{"n": 10000000000000})
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	if string(b) != `{"n":10000000000000}` {
		t.Errorf("got %s", b)
	}
}

func TestHash_Deterministic(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2}
	v2 := map[string]interface{}{"b": 2, "a": 1}
	h1, err := Hash(v1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(v2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hashes of equivalent maps differ: %s vs %s", h1, h2)
	}
}

func TestHashFile_RawBytesNotBase64(t *testing.T) {
	data := []byte("hello world")
	got := HashFile(data)
	// sha256("hello world")
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Errorf("HashFile(%q) = %s, want %s", data, got, want)
	}
}

func TestHashDir_OrdersByRelativePathAndPrefixes(t *testing.T) {
	files := map[string][]byte{
		"b.txt": []byte("B"),
		"a.txt": []byte("A"),
	}
	got := HashDir(files)

	// Reconstruct expected value by hand per the spec algorithm.
	aHash := HashFile([]byte("A"))
	bHash := HashFile([]byte("B"))
	manual := sha256Hex("dir\n" + "a.txt\n" + aHash + "\n" + "b.txt\n" + bHash + "\n")
	if got != manual {
		t.Errorf("HashDir = %s, want %s", got, manual)
	}
}

func TestHashDir_OrderIndependentOfMapIteration(t *testing.T) {
	files1 := map[string][]byte{"z": []byte("1"), "a": []byte("2")}
	files2 := map[string][]byte{"a": []byte("2"), "z": []byte("1")}
	if HashDir(files1) != HashDir(files2) {
		t.Errorf("HashDir should be independent of map construction order")
	}
}

func TestBundleHash_MissingComponentErrors(t *testing.T) {
	_, err := BundleHash(map[string]string{}, map[string]string{"env": "x"})
	if err == nil {
		t.Fatal("expected error for missing component hashes")
	}
}

func TestBundleHash_ComponentOrderFixed(t *testing.T) {
	hashes := map[string]string{
		"env": "1", "clock": "2", "network": "3", "fsDiff": "4",
		"logs": "5", "prompts": "6", "intents": "7",
	}
	h1, err := BundleHash(map[string]string{"v": "1"}, hashes)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := BundleHash(map[string]string{"v": "1"}, hashes)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("BundleHash not stable across identical calls")
	}
}

func TestLooksBinary_NULInFirst1000Bytes(t *testing.T) {
	if LooksBinary([]byte("plain text file")) {
		t.Error("plain text should not be detected as binary")
	}
	if !LooksBinary([]byte("abc\x00def")) {
		t.Error("NUL byte should trigger binary detection")
	}
	// NUL beyond byte 1000 must not count.
	data := make([]byte, 2000)
	for i := range data {
		data[i] = 'a'
	}
	data[1500] = 0
	if LooksBinary(data) {
		t.Error("NUL beyond first 1000 bytes should not trigger binary detection")
	}
}

func TestComponentOrder_Fixed(t *testing.T) {
	want := []string{"env", "clock", "network", "fsDiff", "logs", "prompts", "intents"}
	got := ComponentOrder()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func sha256Hex(s string) string {
	return HashFile([]byte(s))
}
