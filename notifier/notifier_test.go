package notifier

import "testing"

func TestFuncsNilFieldsAreSafe(t *testing.T) {
	var n Notifier = Funcs{}
	resp := n.OnBegin(BeginInfo{ProductID: 1, Size: 10})
	if resp.Ignore || resp.Dest != nil {
		t.Error("Nil Begin should accept with no destination, got", resp)
	}
	n.OnEnd(EndInfo{ProductID: 1})
	n.OnMissed(1)
	// No panic == success.
}

func TestFuncsDispatch(t *testing.T) {
	var begins, ends, misses int
	n := Funcs{
		Begin: func(info BeginInfo) Response {
			begins++
			return Response{Ignore: true}
		},
		End:    func(info EndInfo) { ends++ },
		Missed: func(id uint32) { misses++ },
	}
	if resp := n.OnBegin(BeginInfo{}); !resp.Ignore {
		t.Error("Begin closure's response was not passed through")
	}
	n.OnEnd(EndInfo{})
	n.OnMissed(0)
	if begins != 1 || ends != 1 || misses != 1 {
		t.Error("Wrong dispatch counts:", begins, ends, misses)
	}
}

func TestModeString(t *testing.T) {
	if Batched.String() != "batched" || PerProduct.String() != "per_product" {
		t.Error("Mode strings changed:", Batched, PerProduct)
	}
	if Mode(42).String() != "unknown" {
		t.Error("Unknown mode should stringify as unknown")
	}
}

func TestNull(t *testing.T) {
	n := Null()
	if resp := n.OnBegin(BeginInfo{}); resp.Ignore {
		t.Error("Null notifier should accept everything")
	}
	n.OnEnd(EndInfo{})
	n.OnMissed(9)
}
