package strobe_test

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharnoff/strobe"
)

func concatLines(lines ...string) string {
	return strings.Join(lines, "\n")
}

func TestStackFormatVarieties(t *testing.T) {
	t.Parallel()

	expected := concatLines(
		"packagename.foo(...)",
		"\t/path/to/package/foo.go:37",
		"packagename.bar(...)",
		"\t/path/to/package/bar.go",
		"packagename.baz(...)",
		"\t<unknown file>",
		"packagename.qux(...)",
		"\t<unknown file>",
		"<unknown function>",
		"\t/unknown/function/path.go:45",
		"<unknown function>",
		"\t<unknown file>",
		"",
	)

	st := strobe.StackTrace{
		Frames: []strobe.StackFrame{
			{Function: "packagename.foo", File: "/path/to/package/foo.go", Line: 37},
			{Function: "packagename.bar", File: "/path/to/package/bar.go"},
			{Function: "packagename.baz"},
			{Function: "packagename.qux", Line: 29}, // Line should have no effect if File is missing.
			{File: "/unknown/function/path.go", Line: 45},
			{},
		},
	}

	assert.Equal(t, expected, st.String())
}

func TestStackParentsFormat(t *testing.T) {
	t.Parallel()

	expected := concatLines(
		"lights.Discover(...)",
		"\t/path/to/lights/discover.go:37",
		"spawned by:",
		"strobe.Go(...)",
		"\t/path/to/strobe/task.go:52",
		"spawned by:",
		"<empty stack>",
		"",
	)

	st := strobe.StackTrace{
		Frames: []strobe.StackFrame{
			{Function: "lights.Discover", File: "/path/to/lights/discover.go", Line: 37},
		},
		Parent: &strobe.StackTrace{
			Frames: []strobe.StackFrame{
				{Function: "strobe.Go", File: "/path/to/strobe/task.go", Line: 52},
			},
			Parent: &strobe.StackTrace{},
		},
	}

	assert.Equal(t, expected, st.String())
	assert.Equal(t, 3, st.Depth())
}

func validateStackTrace(t *testing.T, expected, got strobe.StackTrace) {
	for depth := 0; ; depth += 1 {
		require.Equal(t, expected.Parent != nil, got.Parent != nil, "whether has parent, at depth %d", depth)
		require.GreaterOrEqual(t, len(got.Frames), len(expected.Frames), "number of frames at depth %d", depth)

		for i := range expected.Frames {
			e := expected.Frames[i]
			g := got.Frames[i]

			assert.Regexp(t, regexp.MustCompile(fmt.Sprint("^", e.File, "$")), g.File, "depth %d, Frames[%d].File", depth, i)
			assert.Regexp(t, regexp.MustCompile(fmt.Sprint("^", e.Function, "$")), g.Function, "depth %d, Frames[%d].Function", depth, i)
			assert.Equal(t, e.Line == 0, g.Line == 0, "depth %d, Frames[%d].Line: got %d", depth, i, g.Line)
		}

		if expected.Parent == nil {
			return
		}

		expected = *expected.Parent
		got = *got.Parent
	}
}

func TestStackBasicCreation(t *testing.T) {
	t.Parallel()

	expected := strobe.StackTrace{
		Frames: []strobe.StackFrame{
			{Function: `.*/strobe_test.TestStackBasicCreation.func1`, File: `.*/stack_test\.go`, Line: 1},
			{Function: `.*/strobe_test.TestStackBasicCreation.func2`, File: `.*/stack_test\.go`, Line: 1},
			{Function: `.*/strobe_test.TestStackBasicCreation`, File: `.*/stack_test\.go`, Line: 1},
		},
	}

	func1 := func() strobe.StackTrace {
		return strobe.GetStackTrace(nil, 0)
	}
	func2 := func() strobe.StackTrace {
		return func1()
	}

	validateStackTrace(t, expected, func2())
}

func TestStackPartialSkip(t *testing.T) {
	t.Parallel()

	expected := strobe.StackTrace{
		Frames: []strobe.StackFrame{
			{Function: `.*/strobe_test.TestStackPartialSkip.func3`, File: `.*/stack_test\.go`, Line: 1},
			{Function: `.*/strobe_test.TestStackPartialSkip`, File: `.*/stack_test\.go`, Line: 1},
		},
	}

	func1 := func() strobe.StackTrace {
		return strobe.GetStackTrace(nil, 2)
	}
	func2 := func() strobe.StackTrace {
		return func1()
	}
	func3 := func() strobe.StackTrace {
		return func2()
	}

	validateStackTrace(t, expected, func3())
}

func TestStackSkipTooManyIsEmpty(t *testing.T) {
	t.Parallel()

	st := strobe.GetStackTrace(nil, 100000) // pick a big number to skip all frames
	assert.Empty(t, st.Frames)
	assert.Equal(t, "<empty stack>\n", st.String())
}

func TestStackLinkedToParent(t *testing.T) {
	t.Parallel()

	parent := strobe.GetStackTrace(nil, 0)

	ch := make(chan strobe.StackTrace)
	go func() {
		ch <- strobe.GetStackTrace(&parent, 0)
	}()
	got := <-ch

	require.NotNil(t, got.Parent)
	assert.Equal(t, 2, got.Depth())
	assert.Contains(t, got.String(), "spawned by:\n")
	assert.Regexp(t, `TestStackLinkedToParent\.func1$`, got.Frames[0].Function)
	assert.Regexp(t, `TestStackLinkedToParent$`, got.Parent.Frames[0].Function)
}
