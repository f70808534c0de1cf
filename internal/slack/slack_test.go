package slack

import (
	"encoding/json"
	"testing"
)

func decodeMap(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return m
}

func TestAccessorsFailSoft(t *testing.T) {
	m := decodeMap(t, `{"name":42,"ok":"yes","count":"7","list":[1,"a",{"b":1}],"obj":"nope"}`)
	if got := Str(m, "name"); got != "" {
		t.Fatalf("expected empty string for numeric field, got %q", got)
	}
	if got := Bool(m, "ok"); got {
		t.Fatalf("expected false for string bool field")
	}
	if got := Int(m, "count"); got != 7 {
		t.Fatalf("expected numeric string to parse as 7, got %d", got)
	}
	if got := Strings(m, "list"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected only string elements, got %v", got)
	}
	if got := Object(m, "obj"); got != nil {
		t.Fatalf("expected nil object for string field, got %v", got)
	}
	if got := Objects(m, "list"); len(got) != 1 {
		t.Fatalf("expected one object element, got %d", len(got))
	}
	if got := Str(nil, "x"); got != "" {
		t.Fatalf("expected empty string from nil map")
	}
	if _, ok := OptInt64(m, "missing"); ok {
		t.Fatalf("expected missing field to report absent")
	}
}

func TestNewUserDecodesProfileAndDND(t *testing.T) {
	u := NewUser(decodeMap(t, `{
		"id":"U1","name":"ada","presence":"active",
		"prefs":{"color":"blue"},
		"dnd":{"dnd_enabled":true,"next_dnd_start_ts":100},
		"profile":{"email":"ada@example.com","fields":{"Xf1":{"value":"Eng","alt":""}}}
	}`))
	if u.ID != "U1" || u.Name != "ada" || u.Presence != "active" {
		t.Fatalf("unexpected user scalars: %+v", u)
	}
	if u.Preferences["color"] != "blue" {
		t.Fatalf("expected prefs decoded, got %v", u.Preferences)
	}
	if u.DoNotDisturbStatus == nil || !u.DoNotDisturbStatus.Enabled || u.DoNotDisturbStatus.NextStartTimestamp != 100 {
		t.Fatalf("unexpected dnd: %+v", u.DoNotDisturbStatus)
	}
	field := u.CustomFields().Fields["Xf1"]
	if field == nil || field.ID != "Xf1" || field.Value != "Eng" {
		t.Fatalf("expected custom field keyed by id, got %+v", field)
	}
}

func TestCustomProfileFromArrayKeepsOrder(t *testing.T) {
	cp := NewCustomProfile(decodeMap(t, `{"fields":[{"id":"B","ordering":0},{"id":"A","ordering":1},{"label":"no id"}]}`))
	ids := cp.FieldIDs()
	if len(ids) != 2 || ids[0] != "B" || ids[1] != "A" {
		t.Fatalf("expected arrival order [B A], got %v", ids)
	}
	if cp.Fields["B"].Ordering == nil || *cp.Fields["B"].Ordering != 0 {
		t.Fatalf("expected explicit zero ordering to be kept")
	}
	if !cp.Remove("B") || cp.Remove("B") {
		t.Fatalf("expected remove to succeed once")
	}
	if ids := cp.FieldIDs(); len(ids) != 1 || ids[0] != "A" {
		t.Fatalf("expected [A] after removal, got %v", ids)
	}
}

func TestProfileFieldUpdateCopiesPopulatedFields(t *testing.T) {
	one := 1
	f := &ProfileField{ID: "X", Value: "old", Label: "Team"}
	f.Update(&ProfileField{Label: "Department", Ordering: &one})
	if f.Value != "old" || f.Label != "Department" || f.Ordering == nil || *f.Ordering != 1 {
		t.Fatalf("unexpected field after update: %+v", f)
	}
}

func TestChannelTypingAndMembers(t *testing.T) {
	c := NewChannel(decodeMap(t, `{"id":"C1","name":"general","members":["U1","U2"],"latest":{"ts":"1.0","text":"hi"}}`))
	if len(c.Messages) != 0 {
		t.Fatalf("expected latest message not to be ingested, got %d", len(c.Messages))
	}
	if !c.AddTyping("U1") || c.AddTyping("U1") {
		t.Fatalf("expected first typing add to succeed and second to be rejected")
	}
	if len(c.UsersTyping) != 1 {
		t.Fatalf("expected one typing user, got %v", c.UsersTyping)
	}
	if !c.RemoveMember("U2") || c.RemoveMember("U9") {
		t.Fatalf("unexpected member removal results")
	}
	if len(c.Members) != 1 || c.Members[0] != "U1" {
		t.Fatalf("expected [U1], got %v", c.Members)
	}
}

func TestChannelMessageKeysSorted(t *testing.T) {
	c := &Channel{ID: "C1", Messages: map[string]*Message{
		"1500000002.000001": {TS: "1500000002.000001"},
		"1500000000.000001": {TS: "1500000000.000001"},
		"1500000001.000009": {TS: "1500000001.000009"},
	}}
	keys := c.MessageKeys()
	if keys[0] != "1500000000.000001" || keys[2] != "1500000002.000001" {
		t.Fatalf("expected ascending keys, got %v", keys)
	}
}

func TestCloneDoesNotShareMessages(t *testing.T) {
	c := &Channel{ID: "C1", Messages: map[string]*Message{"1.0": {TS: "1.0", Text: "hi"}}}
	clone := c.Clone()
	clone.Messages["1.0"].Text = "changed"
	clone.Messages["2.0"] = &Message{TS: "2.0"}
	if c.Messages["1.0"].Text != "hi" || len(c.Messages) != 1 {
		t.Fatalf("expected original channel untouched, got %+v", c.Messages)
	}
}

func TestReactionPairSemantics(t *testing.T) {
	var list []Reaction
	list, added := AddReaction(list, Reaction{Name: "+1", User: "U1"})
	if !added {
		t.Fatalf("expected first add to succeed")
	}
	list, added = AddReaction(list, Reaction{Name: "+1", User: "U1"})
	if added || len(list) != 1 {
		t.Fatalf("expected duplicate pair to be rejected, got %v", list)
	}
	list, _ = AddReaction(list, Reaction{Name: "heart", User: "U1"})
	list, _ = AddReaction(list, Reaction{Name: "+1", User: "U2"})

	list, removed := RemoveReaction(list, Reaction{Name: "+1", User: "U1"})
	if !removed || len(list) != 2 {
		t.Fatalf("expected only the exact pair removed, got %v", list)
	}
	if _, removed := RemoveReaction(list, Reaction{Name: "smile", User: "U1"}); removed {
		t.Fatalf("expected removal of missing reaction to report false")
	}
}

func TestNewReactionsExpandsUsers(t *testing.T) {
	got := NewReactions(decodeMap(t, `{"reactions":[{"name":"+1","users":["U1","U2"],"count":2}]}`))
	if len(got) != 2 || got[1] != (Reaction{Name: "+1", User: "U2"}) {
		t.Fatalf("unexpected reactions: %v", got)
	}
}

func TestItemAcceptsFileIDString(t *testing.T) {
	item := NewItem(decodeMap(t, `{"type":"file_comment","file":"F1","file_comment":"Fc1"}`))
	if item.FileID() != "F1" || item.FileCommentID != "Fc1" {
		t.Fatalf("unexpected item: %+v", item)
	}
}

func TestItemEqualIgnoresPayloadDetail(t *testing.T) {
	a := NewItem(decodeMap(t, `{"type":"message","channel":"C1","message":{"ts":"1.0","text":"hi"}}`))
	b := NewItem(decodeMap(t, `{"type":"message","channel":"C1","message":{"ts":"1.0","text":"edited"}}`))
	c := NewItem(decodeMap(t, `{"type":"message","channel":"C1","message":{"ts":"2.0"}}`))
	if !a.Equal(*b) {
		t.Fatalf("expected items referencing the same message to be equal")
	}
	if a.Equal(*c) {
		t.Fatalf("expected different timestamps to differ")
	}
}

func TestFileInitialComment(t *testing.T) {
	f := NewFile(decodeMap(t, `{"id":"F1","num_stars":2,"initial_comment":{"id":"Fc1","comment":"first"}}`))
	if f.Stars != 2 || f.InitialComment == nil || f.InitialComment.Body != "first" {
		t.Fatalf("unexpected file: %+v", f)
	}
	if len(f.Comments) != 0 {
		t.Fatalf("expected initial comment not merged by the constructor")
	}
}

func TestConstructorsNilPayload(t *testing.T) {
	if NewUser(nil) != nil || NewChannel(nil) != nil || NewFile(nil) != nil || NewItem(nil) != nil || NewTeam(nil) != nil {
		t.Fatalf("expected nil payloads to produce nil entities")
	}
}
