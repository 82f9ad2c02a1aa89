package sandbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kiln/pkg/config"
)

const (
	streamStdout byte = 1
	streamStderr byte = 2
)

func frame(stream byte, payload string) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = stream
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	return buf
}

func runDemux(t *testing.T, frames ...[]byte) []string {
	t.Helper()
	var lines []string
	err := demux(bytes.NewReader(bytes.Join(frames, nil)), func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	return lines
}

func TestDemuxStripsHeaders(t *testing.T) {
	lines := runDemux(t,
		frame(streamStdout, "This is pdfTeX\n"),
		frame(streamStdout, "Output written on main.pdf\n"),
	)
	assert.Equal(t, []string{"This is pdfTeX", "Output written on main.pdf"}, lines)
}

func TestDemuxBuffersPartialLines(t *testing.T) {
	lines := runDemux(t,
		frame(streamStdout, "Out"),
		frame(streamStdout, "put writ"),
		frame(streamStdout, "ten\nsecond line\n"),
	)
	assert.Equal(t, []string{"Output written", "second line"}, lines)
}

func TestDemuxFlushesTrailingPartialLine(t *testing.T) {
	lines := runDemux(t, frame(streamStdout, "no trailing newline"))
	assert.Equal(t, []string{"no trailing newline"}, lines)
}

func TestDemuxKeepsStreamsSeparate(t *testing.T) {
	// A partial stdout line must not absorb interleaved stderr frames
	lines := runDemux(t,
		frame(streamStdout, "stdout part"),
		frame(streamStderr, "stderr line\n"),
		frame(streamStdout, "ial\n"),
	)
	assert.Equal(t, []string{"stderr line", "stdout partial"}, lines)
}

func TestDemuxMultipleLinesPerFrame(t *testing.T) {
	lines := runDemux(t, frame(streamStdout, "one\ntwo\nthree\n"))
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestDemuxSkipsEmptyFrames(t *testing.T) {
	lines := runDemux(t,
		frame(streamStdout, ""),
		frame(streamStdout, "after empty\n"),
	)
	assert.Equal(t, []string{"after empty"}, lines)
}

func TestDemuxStripsCarriageReturns(t *testing.T) {
	lines := runDemux(t, frame(streamStdout, "windows line\r\n"))
	assert.Equal(t, []string{"windows line"}, lines)
}

func TestDemuxEmptyStream(t *testing.T) {
	lines := runDemux(t)
	assert.Empty(t, lines)
}

func testExecutor() *DockerExecutor {
	return &DockerExecutor{cfg: config.Default().Sandbox}
}

func TestImageResolution(t *testing.T) {
	e := testExecutor()
	assert.Equal(t, "kiln-tex-pdflatex", e.image("pdflatex"))

	e.cfg.Images = map[string]string{"xelatex": "registry.internal/tex-xe:v4"}
	assert.Equal(t, "registry.internal/tex-xe:v4", e.image("xelatex"))
	assert.Equal(t, "kiln-tex-lualatex", e.image("lualatex"))
}

func TestDeadlineExpired(t *testing.T) {
	parent := context.Background()

	expired, cancel := context.WithTimeout(parent, 0)
	defer cancel()
	<-expired.Done()

	// Deadline fired, parent alive: the deadline wins over a finished wait
	assert.True(t, deadlineExpired(expired, parent))

	// Parent cancelled: shutdown, not the wall-clock deadline
	cancelled, stop := context.WithCancel(parent)
	stop()
	child, childCancel := context.WithTimeout(cancelled, time.Hour)
	defer childCancel()
	assert.False(t, deadlineExpired(child, cancelled))

	// Neither done: a clean exit stays a clean exit
	live, liveCancel := context.WithTimeout(parent, time.Hour)
	defer liveCancel()
	assert.False(t, deadlineExpired(live, parent))
}

func TestHostConfigHardening(t *testing.T) {
	e := testExecutor()
	hc := e.hostConfig(Spec{
		SourceDir: "/tmp/ws/source",
		OutputDir: "/tmp/ws/output",
	})

	assert.True(t, hc.ReadonlyRootfs)
	assert.Contains(t, hc.CapDrop, "ALL")
	assert.Contains(t, hc.SecurityOpt, "no-new-privileges")
	assert.Equal(t, "none", string(hc.NetworkMode))
	assert.Equal(t, int64(512*1024*1024), hc.Resources.Memory)
	assert.Equal(t, int64(1e9), hc.Resources.NanoCPUs)
	require.NotNil(t, hc.Resources.PidsLimit)
	assert.Equal(t, int64(100), *hc.Resources.PidsLimit)
	assert.Contains(t, hc.Tmpfs["/tmp"], "size=52428800")
	assert.Contains(t, hc.Binds, "/tmp/ws/source:"+SourceMount)
	assert.Contains(t, hc.Binds, "/tmp/ws/output:"+OutputMount)
}
