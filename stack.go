package strobe

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// StackTrace is a stack collected by [GetStackTrace], optionally linked to the stack of the
// goroutine that spawned it.
//
// Every [Task] records where it was started, so a failure deep inside a fan-in tree can be traced
// back through each goroutine that led to it.
type StackTrace struct {
	Frames []StackFrame
	Parent *StackTrace
}

type StackFrame struct {
	Function string
	File     string
	Line     int
}

// GetStackTrace collects the stack of the calling goroutine, skipping the innermost skip frames
// above the caller.
func GetStackTrace(parent *StackTrace, skip uint) StackTrace {
	return StackTrace{Frames: getFrames(skip + 1), Parent: parent}
}

// Depth returns the number of traces linked together, including st itself
func (st StackTrace) Depth() int {
	n := 1
	for p := st.Parent; p != nil; p = p.Parent {
		n += 1
	}
	return n
}

func (st StackTrace) String() string {
	var b strings.Builder

	for {
		if len(st.Frames) == 0 {
			b.WriteString("<empty stack>\n")
		}
		for _, f := range st.Frames {
			f.writeTo(&b)
		}

		if st.Parent == nil {
			break
		}
		b.WriteString("spawned by:\n")
		st = *st.Parent
	}

	return b.String()
}

func (f StackFrame) writeTo(b *strings.Builder) {
	if f.Function == "" {
		b.WriteString("<unknown function>")
	} else {
		b.WriteString(f.Function)
		b.WriteString("(...)")
	}
	b.WriteString("\n\t")

	if f.File == "" {
		// Line is meaningless without a file
		b.WriteString("<unknown file>")
	} else {
		b.WriteString(f.File)
		if f.Line != 0 {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(f.Line))
		}
	}
	b.WriteByte('\n')
}

var pcBufPool = sync.Pool{
	New: func() any {
		buf := make([]uintptr, 64)
		return &buf
	},
}

func putPCBuffer(buf *[]uintptr) {
	if len(*buf) <= 1024 {
		pcBufPool.Put(buf)
	}
}

func getFrames(skip uint) []StackFrame {
	skip += 2 // this function and runtime.Callers

	pcBuf := pcBufPool.Get().(*[]uintptr)
	defer putPCBuffer(pcBuf)

	// grow the buffer until everything fits
	var pc []uintptr
	for {
		n := runtime.Callers(int(skip), *pcBuf)
		if n < len(*pcBuf) {
			pc = (*pcBuf)[:n]
			break
		}
		*pcBuf = make([]uintptr, 2*len(*pcBuf))
	}

	if len(pc) == 0 {
		return nil
	}

	frames := make([]StackFrame, 0, len(pc))
	iter := runtime.CallersFrames(pc)
	for {
		frame, more := iter.Next()
		frames = append(frames, StackFrame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more {
			break
		}
	}
	return frames
}
