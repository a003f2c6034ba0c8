package chain

import (
    "encoding/json"
    "testing"
)

func TestDifficultyAddCarry(t *testing.T) {
    d := Difficulty{Lo: ^uint64(0)}
    got := d.Add(DifficultyFromUint64(1))
    if got.Hi != 1 || got.Lo != 0 {
        t.Fatalf("carry not applied: %+v", got)
    }
    if got.String() != "18446744073709551616" {
        t.Fatalf("unexpected decimal form: %s", got)
    }
}

func TestHashText(t *testing.T) {
    var h Hash
    h[0], h[31] = 0xab, 0x01
    b, err := json.Marshal(h)
    if err != nil { t.Fatalf("marshal: %v", err) }
    var back Hash
    if err := json.Unmarshal(b, &back); err != nil { t.Fatalf("unmarshal: %v", err) }
    if back != h { t.Fatalf("hash changed: %s != %s", back, h) }

    if _, err := ParseHash("abcd"); err == nil {
        t.Fatalf("expected error for short hash")
    }
}
