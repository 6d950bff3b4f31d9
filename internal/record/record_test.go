package record

import (
	"encoding/json"
	"testing"
)

func TestMarshalKeepsInsertionOrder(t *testing.T) {
	r := New()
	r.Set("channel", 0)
	r.Set("from_id", "00000001")
	r.Set("to_id", "all")
	r.Set("portnum", "TEXT_MESSAGE_APP")
	r.Set("text", "hi")

	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"channel":0,"from_id":"00000001","to_id":"all","portnum":"TEXT_MESSAGE_APP","text":"hi"}`
	if string(b) != want {
		t.Fatalf("got  %s\nwant %s", b, want)
	}
}

func TestSetExistingKeepsPosition(t *testing.T) {
	r := New()
	r.Set("a", 1)
	r.Set("b", 2)
	r.Set("a", 3)
	if keys := r.Keys(); len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("keys = %v", keys)
	}
	if v, _ := r.Get("a"); v != 3 {
		t.Fatalf("a = %v", v)
	}
}

func TestNestedRecords(t *testing.T) {
	inner := New()
	inner.Set("z", true)
	inner.Set("y", "x")
	r := New()
	r.Set("deviceMetrics", inner)
	r.Set("list", []*Record{inner})

	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"deviceMetrics":{"z":true,"y":"x"},"list":[{"z":true,"y":"x"}]}`
	if string(b) != want {
		t.Fatalf("got  %s\nwant %s", b, want)
	}
}

func TestMergeAndZeroValue(t *testing.T) {
	var r Record
	r.Set("k", "v")
	other := New()
	other.Set("k", "w")
	other.Set("n", 1)
	r.Merge(other)
	b, _ := json.Marshal(&r)
	if string(b) != `{"k":"w","n":1}` {
		t.Fatalf("got %s", b)
	}
	if New().Len() != 0 {
		t.Fatal("new record not empty")
	}
}

func TestFromJSONKeepsOrderAndNesting(t *testing.T) {
	in := `{"time":1700000000, "localStats":{"uptimeSeconds":77,"numPacketsTx":3},"route":[1,2],"ok":true,"name":null}`
	r, err := FromJSON([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	keys := r.Keys()
	if len(keys) != 5 || keys[0] != "time" || keys[1] != "localStats" || keys[4] != "name" {
		t.Fatalf("keys = %v", keys)
	}
	v, _ := r.Get("localStats")
	sub, ok := v.(*Record)
	if !ok {
		t.Fatalf("localStats = %T", v)
	}
	if up, _ := sub.Get("uptimeSeconds"); up != json.Number("77") {
		t.Fatalf("uptimeSeconds = %#v", up)
	}

	out, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"time":1700000000,"localStats":{"uptimeSeconds":77,"numPacketsTx":3},"route":[1,2],"ok":true,"name":null}`
	if string(out) != want {
		t.Fatalf("got  %s\nwant %s", out, want)
	}
}

func TestFromJSONRejectsNonObject(t *testing.T) {
	if _, err := FromJSON([]byte(`[1,2]`)); err == nil {
		t.Fatal("expected error for array")
	}
	if _, err := FromJSON([]byte(`{"a":`)); err == nil {
		t.Fatal("expected error for truncated object")
	}
}
