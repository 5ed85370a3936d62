package vm

import (
	"bytes"
	"testing"

	"github.com/muppet2011ad/canidae/pkg/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newQuietVM returns a VM with captured output streams.
func newQuietVM() (*VM, *bytes.Buffer, *bytes.Buffer) {
	machine := New()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	machine.Stdout = out
	machine.Stderr = errOut
	return machine, out, errOut
}

func TestGCStressModeRunsPrograms(t *testing.T) {
	// Collecting on every accounted growth shakes out rooting mistakes:
	// every intermediate object must be reachable when allocation
	// happens.
	machine, out, errOut := newQuietVM()
	machine.Heap().Stress = true

	source := `
class Node {
	function __init__(v) { this.v = v; this.next = null; }
}
let head = null;
for (let i = 0; i < 50; i += 1) do {
	let n = Node(str(i) + "!");
	n.next = head;
	head = n;
}
let count = 0;
while head != null do {
	count += 1;
	head = head.next;
}
print count;
`
	result := machine.Interpret(source)
	require.Equal(t, InterpretOK, result, "stderr: %s", errOut.String())
	assert.Equal(t, "50\n", out.String())
}

func TestGCFreesUnreachableObjects(t *testing.T) {
	machine, _, errOut := newQuietVM()

	source := `
function churn() {
	let arr = [];
	for (let i = 0; i < 2000; i += 1) do {
		arr = arr + [str(i) + "-suffix"];
	}
	return len arr;
}
churn();
`
	require.Equal(t, InterpretOK, machine.Interpret(source), errOut.String())

	before := machine.Heap().BytesAllocated
	machine.Heap().Collect()
	after := machine.Heap().BytesAllocated
	assert.Less(t, after, before, "collection should reclaim the dropped strings")

	// The same workload must be able to run again without the heap
	// ratcheting upwards.
	require.Equal(t, InterpretOK, machine.Interpret("churn();"))
	machine.Heap().Collect()
	assert.InDelta(t, float64(after), float64(machine.Heap().BytesAllocated), float64(after)*0.5)
}

func TestGCPreservesReachableObjects(t *testing.T) {
	machine, out, errOut := newQuietVM()

	require.Equal(t, InterpretOK, machine.Interpret(`let keep = ["a", "b", "c"];`), errOut.String())
	machine.Heap().Collect()
	machine.Heap().Collect()
	require.Equal(t, InterpretOK, machine.Interpret("print keep;"))
	assert.Equal(t, "[a, b, c]\n", out.String())
}

func TestMarksClearAfterCollection(t *testing.T) {
	machine, _, errOut := newQuietVM()
	require.Equal(t, InterpretOK,
		machine.Interpret(`let o = [1, "two", [3]]; let f = function() { return o; };`),
		errOut.String())

	machine.Heap().Collect()

	for obj := machine.Heap().Objects(); obj != nil; obj = obj.Header().Next {
		assert.False(t, obj.Header().Marked, "mark bit must be zero between cycles")
	}
}

func TestInternSurvivesCollectionWhileReferenced(t *testing.T) {
	machine, _, errOut := newQuietVM()
	require.Equal(t, InterpretOK, machine.Interpret(`let s = "persistent";`), errOut.String())

	interned := machine.Heap().Strings.FindString("persistent", value.HashString("persistent"))
	require.NotNil(t, interned)

	machine.Heap().Collect()

	again := machine.Heap().Strings.FindString("persistent", value.HashString("persistent"))
	assert.Same(t, interned, again, "intern table keeps live strings canonical across GC")
}

func TestInternTableDropsDeadStrings(t *testing.T) {
	machine, _, errOut := newQuietVM()
	require.Equal(t, InterpretOK,
		machine.Interpret(`{ let tmp = "ephemeral-" + "string"; }`), errOut.String())

	machine.Heap().Collect()

	hash := value.HashString("ephemeral-string")
	assert.Nil(t, machine.Heap().Strings.FindString("ephemeral-string", hash),
		"unreachable strings leave the intern table at collection")
}

func TestStackShrinksWhenOversized(t *testing.T) {
	machine, _, errOut := newQuietVM()

	// Deep recursion forces the value stack to grow well past its
	// initial capacity; after completion the live portion is tiny.
	source := `
function deep(n) {
	if n == 0 then return 0;
	return 1 + deep(n - 1);
}
print deep(500);
`
	require.Equal(t, InterpretOK, machine.Interpret(source), errOut.String())
	grown := len(machine.stack)
	require.Greater(t, grown, StackInitial)

	machine.Heap().Collect()
	assert.Less(t, len(machine.stack), grown, "stack compacts once mostly empty")
}

func TestGCDisableIsReentrant(t *testing.T) {
	h := value.NewHeap()
	collected := 0
	h.Collect = func() { collected++ }
	h.Enable() // heaps start disabled until a collector is armed

	h.Disable()
	h.Disable()
	h.Enable()
	assert.False(t, h.Allowed())
	h.Enable()
	assert.True(t, h.Allowed())

	h.Stress = true
	h.Account(1)
	assert.Equal(t, 1, collected)
}

func TestThresholdDoublesAfterCollection(t *testing.T) {
	machine, _, _ := newQuietVM()
	machine.Heap().Collect()
	assert.Equal(t, machine.Heap().BytesAllocated*2, machine.Heap().Threshold)
}
