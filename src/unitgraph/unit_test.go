package unitgraph

import (
	"reflect"
	"testing"

	"github.com/obelisknetworks/mainstay/src/keys"
)

func TestUnitHashIndependentOfParentOrder(t *testing.T) {
	authors := []Author{{Address: "a1", PubKeyHex: "0XAA"}}

	u1 := NewUnit([]string{"p1", "p2"}, "lb", authors, 100, nil)
	u2 := NewUnit([]string{"p2", "p1"}, "lb", authors, 100, nil)

	if u1.Hex() == "" {
		t.Fatal("unit id should not be empty")
	}
	if u1.Hex() != u2.Hex() {
		t.Fatalf("ids differ for identical content: %s / %s", u1.Hex(), u2.Hex())
	}
}

func TestUnitHashChangesWithContent(t *testing.T) {
	authors := []Author{{Address: "a1", PubKeyHex: "0XAA"}}

	u1 := NewUnit([]string{"p1"}, "lb", authors, 100, nil)
	u2 := NewUnit([]string{"p1"}, "lb", authors, 101, nil)

	if u1.Hex() == u2.Hex() {
		t.Fatal("units with different timestamps should have different ids")
	}
}

func TestBodyMarshalUnmarshal(t *testing.T) {
	body := UnitBody{
		Version:   "1.0",
		Parents:   []string{"p1", "p2"},
		LastBall:  "lb",
		Authors:   []Author{{Address: "a1", PubKeyHex: "0XAA"}},
		Timestamp: 42,
		Messages:  []Message{{App: SystemVoteApp, Subject: "op_list", Value: "v"}},
	}

	raw, err := body.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var got UnitBody
	if err := got.Unmarshal(raw); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(body, got) {
		t.Fatalf("body mismatch. Got %#v, expected %#v", got, body)
	}
}

func TestSignAndVerify(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	author := Author{
		Address:   keys.Address(&key.PublicKey),
		PubKeyHex: keys.PublicKeyHex(&key.PublicKey),
	}

	unit := NewUnit([]string{"p1"}, "lb", []Author{author}, 100, nil)

	if err := unit.Sign(key); err != nil {
		t.Fatal(err)
	}

	ok, err := unit.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("signature should verify")
	}
}

func TestSignRequiresAuthorship(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	unit := NewUnit([]string{"p1"}, "lb", []Author{{Address: "someone_else"}}, 100, nil)

	if err := unit.Sign(key); err == nil {
		t.Fatal("signing a unit we do not author should fail")
	}
}

func TestVerifyRejectsMissingSignature(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	author := Author{
		Address:   keys.Address(&key.PublicKey),
		PubKeyHex: keys.PublicKeyHex(&key.PublicKey),
	}

	unit := NewUnit([]string{"p1"}, "lb", []Author{author}, 100, nil)

	if _, err := unit.Verify(); err == nil {
		t.Fatal("verifying an unsigned unit should fail")
	}
}

func TestVotesFilter(t *testing.T) {
	msgs := []Message{
		{App: "payment", Payload: []byte("x")},
		{App: SystemVoteApp, Subject: "op_list", Value: "addr1"},
		{App: SystemVoteApp, Subject: "threshold", Value: "10"},
	}

	unit := NewUnit([]string{"p1"}, "lb", []Author{{Address: "a1"}}, 100, msgs)

	votes := unit.Votes()
	if len(votes) != 2 {
		t.Fatalf("expected 2 votes, got %d", len(votes))
	}
	if votes[0].Subject != "op_list" || votes[1].Subject != "threshold" {
		t.Fatalf("unexpected vote subjects: %v", votes)
	}
}
