package file

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2pnet/object"
	"p2pnet/storage"
	"p2pnet/transport"
)

type events struct {
	mu       sync.Mutex
	progress []Progress
	received []Received
}

func (e *events) onProgress(progress Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = append(e.progress, progress)
}

func (e *events) onReceived(received Received) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received = append(e.received, received)
}

func (e *events) receivedFiles() []Received {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Received(nil), e.received...)
}

func (e *events) progressEvents() []Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Progress(nil), e.progress...)
}

func (e *events) sendCompleted(path string) bool {
	for _, p := range e.progressEvents() {
		if p.Direction == DirectionSend && p.FilePath == path && p.Completed {
			return true
		}
	}
	return false
}

func newNode(t *testing.T, network *fakeNetwork, ip string, store TransferRecorder) (*Manager, *fakeObjects, *events) {
	t.Helper()

	objects := network.node(t, ip)
	ev := &events{}
	manager, err := NewManager(objects, Options{
		TempDir:    filepath.Join(t.TempDir(), "staging"),
		ChunkSize:  DefaultChunkSize,
		OnProgress: ev.onProgress,
		OnReceived: ev.onReceived,
		Store:      store,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = manager.Close()
	})
	return manager, objects, ev
}

// newSink adds a node that decodes file objects but never answers.
func newSink(t *testing.T, network *fakeNetwork, ip string) *fakeObjects {
	t.Helper()

	sink := network.node(t, ip)
	require.NoError(t, sink.Register(TypeFilePart, func() object.Object { return &FilePart{} }))
	require.NoError(t, sink.Register(TypeAck, func() object.Object { return &AckMessage{} }))
	return sink
}

func writeFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()

	content := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(content)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path, content
}

func checksumOf(t *testing.T, data []byte) string {
	t.Helper()

	sum, err := Checksum(bytes.NewReader(data))
	require.NoError(t, err)
	return sum
}

func waitError(t *testing.T, errs <-chan error) error {
	t.Helper()

	select {
	case err := <-errs:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for error")
		return nil
	}
}

func TestPartCount(t *testing.T) {
	assert.Equal(t, 1, partCount(0, 10))
	assert.Equal(t, 1, partCount(10, 10))
	assert.Equal(t, 2, partCount(11, 10))
	assert.Equal(t, 3, partCount(25*1024, 10*1024))
}

func TestSendFileReconstructsFileWithAcks(t *testing.T) {
	network := newFakeNetwork()
	recorder := &fakeRecorder{}
	sender, senderObjects, senderEvents := newNode(t, network, "10.0.0.1", recorder)
	_, receiverObjects, receiverEvents := newNode(t, network, "10.0.0.2", nil)

	path, content := writeFile(t, "report.bin", 25*1024)

	id, err := sender.SendFile(context.Background(), "10.0.0.2", path, 10*1024)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		return len(receiverEvents.receivedFiles()) == 1 && senderEvents.sendCompleted(path)
	}, 3*time.Second, 5*time.Millisecond)

	received := receiverEvents.receivedFiles()[0]
	assert.Equal(t, "10.0.0.1", received.PeerIP)
	assert.Equal(t, "report.bin", received.FileName)
	assert.Equal(t, path, received.FilePath)
	assert.Equal(t, int64(len(content)), received.Size)

	got, err := os.ReadFile(received.LocalPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got), "reassembled file differs")

	parts := senderObjects.sentOfType(TypeFilePart)
	require.Len(t, parts, 3)
	for i, obj := range parts {
		part := obj.(*FilePart)
		assert.Equal(t, i+1, part.PartIndex)
		assert.Equal(t, 3, part.TotalParts)
		if i < 2 {
			assert.Empty(t, part.Checksum)
		}
	}
	assert.Len(t, parts[2].(*FilePart).Data, 5*1024)
	assert.Len(t, receiverObjects.sentOfType(TypeAck), 3)

	var (
		final Progress
		done  []int
	)
	for _, p := range senderEvents.progressEvents() {
		done = append(done, p.PartsDone)
		if p.Completed {
			final = p
		}
	}
	// Part 1 on the wire reports zero parts done, then one event per ack.
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, done)
	assert.Equal(t, id, final.TransferID)
	assert.Equal(t, 3, final.PartsDone)
	assert.Equal(t, int64(len(content)), final.BytesDone)

	assert.Empty(t, sender.Transfers())

	statuses := recorder.statuses(storage.DirectionSend, "report.bin")
	require.NotEmpty(t, statuses)
	assert.Equal(t, storage.TransferStatusComplete, statuses[len(statuses)-1])

	// The transfer is gone, so a repeated final ack has nothing to match.
	err = sender.HandleAck(context.Background(), "10.0.0.2", &AckMessage{FileName: "report.bin", FilePath: path, PartIndex: 3})
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestSendEmptyFileUsesOnePart(t *testing.T) {
	network := newFakeNetwork()
	sender, senderObjects, senderEvents := newNode(t, network, "10.0.0.1", nil)
	_, _, receiverEvents := newNode(t, network, "10.0.0.2", nil)

	path, _ := writeFile(t, "empty.txt", 0)

	_, err := sender.SendFile(context.Background(), "10.0.0.2", path, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(receiverEvents.receivedFiles()) == 1 && senderEvents.sendCompleted(path)
	}, 3*time.Second, 5*time.Millisecond)

	require.Len(t, senderObjects.sentOfType(TypeFilePart), 1)
	info, err := os.Stat(receiverEvents.receivedFiles()[0].LocalPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestPeerGoneAfterFirstPartLeavesTransferAwaitingAck(t *testing.T) {
	network := newFakeNetwork()
	sender, senderObjects, _ := newNode(t, network, "10.0.0.1", nil)
	newNode(t, network, "10.0.0.2", nil)

	senderObjects.setFailSend(func(ip string, obj object.Object) error {
		if part, ok := obj.(*FilePart); ok && part.PartIndex == 2 {
			network.remove(ip)
		}
		return nil
	})

	path, _ := writeFile(t, "big.bin", 25*1024)
	_, err := sender.SendFile(context.Background(), "10.0.0.2", path, 10*1024)
	require.NoError(t, err)

	err = waitError(t, sender.Errors())
	assert.ErrorIs(t, err, transport.ErrConnect)

	transfers := sender.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, StateAwaitingAck, transfers[0].State)
	assert.Equal(t, 1, transfers[0].PartsDone)
	assert.Equal(t, 3, transfers[0].TotalParts)

	require.NoError(t, sender.Abandon("10.0.0.2", path))
	assert.Empty(t, sender.Transfers())
	assert.ErrorIs(t, sender.Abandon("10.0.0.2", path), ErrFileNotFound)
}

func TestWriteFailureMidTransferSurfacesWriteError(t *testing.T) {
	network := newFakeNetwork()
	sender, senderObjects, _ := newNode(t, network, "10.0.0.1", nil)
	newNode(t, network, "10.0.0.2", nil)

	senderObjects.setFailSend(func(_ string, obj object.Object) error {
		if part, ok := obj.(*FilePart); ok && part.PartIndex > 1 {
			return fmt.Errorf("%w: connection reset", transport.ErrWrite)
		}
		return nil
	})

	path, _ := writeFile(t, "big.bin", 25*1024)
	_, err := sender.SendFile(context.Background(), "10.0.0.2", path, 10*1024)
	require.NoError(t, err)

	assert.ErrorIs(t, waitError(t, sender.Errors()), transport.ErrWrite)
	require.Len(t, sender.Transfers(), 1)
	assert.Equal(t, StateAwaitingAck, sender.Transfers()[0].State)
}

func TestSendFileToUnreachablePeerFails(t *testing.T) {
	network := newFakeNetwork()
	recorder := &fakeRecorder{}
	sender, _, _ := newNode(t, network, "10.0.0.1", recorder)

	path, _ := writeFile(t, "lost.bin", 100)
	_, err := sender.SendFile(context.Background(), "10.9.9.9", path, 0)
	require.ErrorIs(t, err, transport.ErrConnect)
	assert.Empty(t, sender.Transfers())

	statuses := recorder.statuses(storage.DirectionSend, "lost.bin")
	require.NotEmpty(t, statuses)
	assert.Equal(t, storage.TransferStatusFailed, statuses[len(statuses)-1])
}

func TestSendFileRejectsMissingSources(t *testing.T) {
	network := newFakeNetwork()
	sender, _, _ := newNode(t, network, "10.0.0.1", nil)
	newSink(t, network, "10.0.0.2")

	_, err := sender.SendFile(context.Background(), "10.0.0.2", filepath.Join(t.TempDir(), "nope.bin"), 0)
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = sender.SendFile(context.Background(), "10.0.0.2", t.TempDir(), 0)
	assert.ErrorIs(t, err, ErrFileNotFound)

	path, _ := writeFile(t, "x.bin", 10)
	_, err = sender.SendFile(context.Background(), "10.0.0.2", path, MaxChunkSize+1)
	assert.ErrorIs(t, err, ErrInvalidPart)
}

func TestAckHandlingAgainstInFlightPart(t *testing.T) {
	network := newFakeNetwork()
	sender, _, _ := newNode(t, network, "10.0.0.1", nil)
	newSink(t, network, "10.0.0.2")

	path, _ := writeFile(t, "slow.bin", 3*DefaultChunkSize)
	_, err := sender.SendFile(context.Background(), "10.0.0.2", path, 0)
	require.NoError(t, err)

	_, err = sender.SendFile(context.Background(), "10.0.0.2", path, 0)
	assert.ErrorIs(t, err, ErrTransferExists)

	ctx := context.Background()
	assert.ErrorIs(t, sender.HandleAck(ctx, "10.0.0.2", &AckMessage{FileName: "slow.bin", FilePath: path, PartIndex: 2}), ErrUnexpectedAck)
	assert.ErrorIs(t, sender.HandleAck(ctx, "10.0.0.3", &AckMessage{FileName: "slow.bin", FilePath: path, PartIndex: 1}), ErrFileNotFound)
	assert.ErrorIs(t, sender.HandleAck(ctx, "10.0.0.2", &AckMessage{FileName: "other.bin", FilePath: path, PartIndex: 1}), ErrFileNotFound)

	require.NoError(t, sender.HandleAck(ctx, "10.0.0.2", &AckMessage{FileName: "slow.bin", FilePath: path, PartIndex: 1}))
	transfers := sender.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, 1, transfers[0].PartsDone)
	assert.Equal(t, StateAwaitingAck, transfers[0].State)

	// Ack for part 1 again while part 2 is in flight.
	assert.ErrorIs(t, sender.HandleAck(ctx, "10.0.0.2", &AckMessage{FileName: "slow.bin", FilePath: path, PartIndex: 1}), ErrUnexpectedAck)
}

func receiverPart(index, total int, data, checksum string) *FilePart {
	return &FilePart{
		FileName:   "notes.txt",
		FilePath:   "/src/notes.txt",
		PartIndex:  index,
		TotalParts: total,
		ChunkSize:  4,
		TotalSize:  int64(4*(total-1) + len(data)),
		Data:       []byte(data),
		Checksum:   checksum,
	}
}

func TestFirstPartAlwaysRestartsTransfer(t *testing.T) {
	network := newFakeNetwork()
	receiver, receiverObjects, receiverEvents := newNode(t, network, "10.0.0.2", nil)
	newSink(t, network, "10.0.0.1")
	ctx := context.Background()

	require.NoError(t, receiver.HandlePart(ctx, "10.0.0.1", receiverPart(1, 3, "AAAA", "")))
	require.NoError(t, receiver.HandlePart(ctx, "10.0.0.1", receiverPart(2, 3, "BBBB", "")))

	require.NoError(t, receiver.HandlePart(ctx, "10.0.0.1", receiverPart(1, 2, "cccc", "")))
	transfers := receiver.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, 1, transfers[0].PartsDone)
	assert.Equal(t, 2, transfers[0].TotalParts)

	require.NoError(t, receiver.HandlePart(ctx, "10.0.0.1", receiverPart(2, 2, "dd", checksumOf(t, []byte("ccccdd")))))

	files := receiverEvents.receivedFiles()
	require.Len(t, files, 1)
	got, err := os.ReadFile(files[0].LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "ccccdd", string(got))
	assert.Equal(t, "notes.txt", filepath.Base(files[0].LocalPath))

	acks := receiverObjects.sentOfType(TypeAck)
	require.Len(t, acks, 4)
	assert.Equal(t, 2, acks[3].(*AckMessage).PartIndex)
	assert.Empty(t, receiver.Transfers())

	// The abandoned first attempt leaves no staging file behind.
	entries, err := os.ReadDir(filepath.Dir(files[0].LocalPath))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "notes.txt", entries[0].Name())
}

func TestPartWithoutTransferIsRejected(t *testing.T) {
	network := newFakeNetwork()
	receiver, receiverObjects, _ := newNode(t, network, "10.0.0.2", nil)
	newSink(t, network, "10.0.0.1")

	err := receiver.HandlePart(context.Background(), "10.0.0.1", receiverPart(2, 3, "BBBB", ""))
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.Empty(t, receiverObjects.sentOfType(TypeAck))

	// Same file from a different peer is a different transfer.
	require.NoError(t, receiver.HandlePart(context.Background(), "10.0.0.1", receiverPart(1, 3, "AAAA", "")))
	err = receiver.HandlePart(context.Background(), "10.0.0.9", receiverPart(2, 3, "BBBB", ""))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestChecksumMismatchIsReportedButStillAcked(t *testing.T) {
	network := newFakeNetwork()
	receiver, receiverObjects, receiverEvents := newNode(t, network, "10.0.0.2", nil)
	newSink(t, network, "10.0.0.1")
	ctx := context.Background()

	require.NoError(t, receiver.HandlePart(ctx, "10.0.0.1", receiverPart(1, 2, "AAAA", "")))
	err := receiver.HandlePart(ctx, "10.0.0.1", receiverPart(2, 2, "BB", checksumOf(t, []byte("something else"))))
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	assert.Empty(t, receiverEvents.receivedFiles())
	assert.Len(t, receiverObjects.sentOfType(TypeAck), 2)
	assert.Empty(t, receiver.Transfers())

	entries, err := os.ReadDir(filepath.Join(receiver.options.TempDir, "10.0.0.1"))
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected file was kept")
}

func TestSameNameFromTwoPeersIsStagedSeparately(t *testing.T) {
	network := newFakeNetwork()
	first, _, firstEvents := newNode(t, network, "10.0.0.1", nil)
	second, _, secondEvents := newNode(t, network, "10.0.0.4", nil)
	receiver, _, receiverEvents := newNode(t, network, "10.0.0.3", nil)

	firstPath, firstContent := writeFile(t, "report.bin", 64*1024)
	secondPath, secondContent := writeFile(t, "report.bin", 60*1024)

	var wg sync.WaitGroup
	for _, job := range []struct {
		sender *Manager
		path   string
	}{{first, firstPath}, {second, secondPath}} {
		wg.Add(1)
		go func(sender *Manager, path string) {
			defer wg.Done()
			_, err := sender.SendFile(context.Background(), "10.0.0.3", path, 4*1024)
			assert.NoError(t, err)
		}(job.sender, job.path)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(receiverEvents.receivedFiles()) == 2 &&
			firstEvents.sendCompleted(firstPath) && secondEvents.sendCompleted(secondPath)
	}, 5*time.Second, 10*time.Millisecond)

	want := map[string][]byte{"10.0.0.1": firstContent, "10.0.0.4": secondContent}
	paths := make(map[string]bool)
	for _, received := range receiverEvents.receivedFiles() {
		assert.Equal(t, "report.bin", filepath.Base(received.LocalPath))
		got, err := os.ReadFile(received.LocalPath)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want[received.PeerIP], got), "file from %s differs", received.PeerIP)
		paths[received.LocalPath] = true
	}
	assert.Len(t, paths, 2)

	for ip := range want {
		entries, err := os.ReadDir(filepath.Join(receiver.options.TempDir, ip))
		require.NoError(t, err)
		require.Len(t, entries, 1, "staging leftovers for %s", ip)
		assert.Equal(t, "report.bin", entries[0].Name())
	}
}

func TestSendFileReportsProgressOncePartOneIsSent(t *testing.T) {
	network := newFakeNetwork()
	sender, _, senderEvents := newNode(t, network, "10.0.0.1", nil)
	newSink(t, network, "10.0.0.2")

	path, _ := writeFile(t, "slow.bin", 3*DefaultChunkSize)
	id, err := sender.SendFile(context.Background(), "10.0.0.2", path, 0)
	require.NoError(t, err)

	progress := senderEvents.progressEvents()
	require.Len(t, progress, 1)
	assert.Equal(t, id, progress[0].TransferID)
	assert.Equal(t, DirectionSend, progress[0].Direction)
	assert.Equal(t, "10.0.0.2", progress[0].PeerIP)
	assert.Zero(t, progress[0].PartsDone)
	assert.Equal(t, 3, progress[0].TotalParts)
	assert.False(t, progress[0].Completed)
}

func TestHandlePartValidation(t *testing.T) {
	network := newFakeNetwork()
	receiver, _, _ := newNode(t, network, "10.0.0.2", nil)
	newSink(t, network, "10.0.0.1")

	cases := map[string]*FilePart{
		"nil":            nil,
		"zero index":     receiverPart(0, 2, "AAAA", ""),
		"index past end": receiverPart(3, 2, "AAAA", ""),
		"oversized data": receiverPart(1, 2, "AAAAA", ""),
		"no name":        {FilePath: "x", PartIndex: 1, TotalParts: 1, ChunkSize: 4},
		"dot dot name":   {FileName: "..", FilePath: "x", PartIndex: 1, TotalParts: 1, ChunkSize: 4},
	}
	for name, part := range cases {
		t.Run(name, func(t *testing.T) {
			err := receiver.HandlePart(context.Background(), "10.0.0.1", part)
			assert.ErrorIs(t, err, ErrInvalidPart)
		})
	}
}

func TestTransfersToDifferentPeersAreIndependent(t *testing.T) {
	network := newFakeNetwork()
	sender, _, senderEvents := newNode(t, network, "10.0.0.1", nil)
	_, _, bEvents := newNode(t, network, "10.0.0.2", nil)
	_, _, cEvents := newNode(t, network, "10.0.0.3", nil)

	first, firstContent := writeFile(t, "first.bin", 31*1024)
	second, secondContent := writeFile(t, "second.bin", 47*1024)
	third, thirdContent := writeFile(t, "third.bin", 12*1024)

	var wg sync.WaitGroup
	for _, job := range []struct{ ip, path string }{
		{"10.0.0.2", first},
		{"10.0.0.3", second},
		{"10.0.0.2", third},
	} {
		wg.Add(1)
		go func(ip, path string) {
			defer wg.Done()
			_, err := sender.SendFile(context.Background(), ip, path, 4*1024)
			assert.NoError(t, err)
		}(job.ip, job.path)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(bEvents.receivedFiles()) == 2 && len(cEvents.receivedFiles()) == 1 &&
			senderEvents.sendCompleted(first) && senderEvents.sendCompleted(second) && senderEvents.sendCompleted(third)
	}, 5*time.Second, 10*time.Millisecond)

	want := map[string][]byte{"first.bin": firstContent, "second.bin": secondContent, "third.bin": thirdContent}
	for _, received := range append(bEvents.receivedFiles(), cEvents.receivedFiles()...) {
		got, err := os.ReadFile(received.LocalPath)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want[received.FileName], got), "%s differs", received.FileName)
	}
	assert.Empty(t, sender.Transfers())
}

func TestStalledPeerDoesNotDelayOtherTransfers(t *testing.T) {
	network := newFakeNetwork()
	sender, _, senderEvents := newNode(t, network, "10.0.0.1", nil)
	newSink(t, network, "10.0.0.2")
	_, _, movingEvents := newNode(t, network, "10.0.0.3", nil)

	stalled, _ := writeFile(t, "stalled.bin", 12*1024)
	moving, movingContent := writeFile(t, "moving.bin", 20*1024)

	_, err := sender.SendFile(context.Background(), "10.0.0.2", stalled, 4*1024)
	require.NoError(t, err)
	_, err = sender.SendFile(context.Background(), "10.0.0.3", moving, 4*1024)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(movingEvents.receivedFiles()) == 1 && senderEvents.sendCompleted(moving)
	}, 3*time.Second, 5*time.Millisecond)

	var done []int
	for _, p := range senderEvents.progressEvents() {
		if p.PeerIP == "10.0.0.3" {
			done = append(done, p.PartsDone)
		}
	}
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5}, done)

	got, err := os.ReadFile(movingEvents.receivedFiles()[0].LocalPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(movingContent, got))

	transfers := sender.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, "10.0.0.2", transfers[0].PeerIP)
	assert.Equal(t, StateAwaitingAck, transfers[0].State)
	assert.Zero(t, transfers[0].PartsDone)
}

func TestCloseReleasesTransfers(t *testing.T) {
	network := newFakeNetwork()
	recorder := &fakeRecorder{}
	sender, _, _ := newNode(t, network, "10.0.0.1", recorder)
	newSink(t, network, "10.0.0.2")

	path, _ := writeFile(t, "pending.bin", 3*DefaultChunkSize)
	_, err := sender.SendFile(context.Background(), "10.0.0.2", path, 0)
	require.NoError(t, err)
	require.Len(t, sender.Transfers(), 1)

	require.NoError(t, sender.Close())
	require.NoError(t, sender.Close())
	assert.Empty(t, sender.Transfers())

	_, err = sender.SendFile(context.Background(), "10.0.0.2", path, 0)
	assert.ErrorIs(t, err, ErrClosed)

	_, open := <-sender.Errors()
	assert.False(t, open)

	statuses := recorder.statuses(storage.DirectionSend, "pending.bin")
	assert.Equal(t, storage.TransferStatusAbandoned, statuses[len(statuses)-1])
}

func TestNonFileObjectsAreLeftToTheObjectLayer(t *testing.T) {
	network := newFakeNetwork()
	_, objects, _ := newNode(t, network, "10.0.0.1", nil)

	objects.mu.Lock()
	defer objects.mu.Unlock()
	tags := make([]string, 0, len(objects.handlers))
	for tag := range objects.handlers {
		tags = append(tags, tag)
	}
	assert.ElementsMatch(t, []string{TypeFilePart, TypeAck}, tags)
}
