package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"p2pnet/object"
	"p2pnet/storage"
)

// ObjectLayer is the typed API the File Manager is built on.
type ObjectLayer interface {
	Register(tag string, factory object.Factory) error
	Handle(tag string, handler object.Handler)
	SendObjectTCP(ctx context.Context, ip string, obj object.Object) error
}

// TransferRecorder persists transfer history.
type TransferRecorder interface {
	UpsertTransfer(transfer storage.Transfer) error
}

// Options configures a File Manager.
type Options struct {
	// TempDir stages incoming files; created on first use.
	TempDir string
	// ChunkSize is used by SendFile when the caller passes zero.
	ChunkSize int

	OnProgress func(Progress)
	OnReceived func(Received)

	Store  TransferRecorder
	Logger logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	out := o
	if out.TempDir == "" {
		out.TempDir = filepath.Join(os.TempDir(), "p2pnet")
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Manager splits files into parts, paces them with per-part acks and
// reassembles inbound parts.
type Manager struct {
	objects ObjectLayer
	options Options
	log     logrus.FieldLogger

	sentMu sync.Mutex
	sent   map[transferKey]*sentTransfer

	recvMu   sync.Mutex
	received map[transferKey]*receivedTransfer

	closeMu sync.RWMutex
	closed  bool

	errMu      sync.RWMutex
	errsClosed bool
	errs       chan error
}

// NewManager registers FilePart and AckMessage with objects and routes them here.
func NewManager(objects ObjectLayer, options Options) (*Manager, error) {
	opts := options.withDefaults()
	if opts.ChunkSize > MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d exceeds %d", ErrInvalidPart, opts.ChunkSize, MaxChunkSize)
	}

	m := &Manager{
		objects:  objects,
		options:  opts,
		log:      opts.Logger.WithField("component", "file"),
		sent:     make(map[transferKey]*sentTransfer),
		received: make(map[transferKey]*receivedTransfer),
		errs:     make(chan error, 64),
	}

	if err := objects.Register(TypeFilePart, func() object.Object { return &FilePart{} }); err != nil {
		return nil, fmt.Errorf("register %s: %w", TypeFilePart, err)
	}
	if err := objects.Register(TypeAck, func() object.Object { return &AckMessage{} }); err != nil {
		return nil, fmt.Errorf("register %s: %w", TypeAck, err)
	}
	objects.Handle(TypeFilePart, m.onPart)
	objects.Handle(TypeAck, m.onAck)

	return m, nil
}

// Errors returns asynchronous part and ack handling errors.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// SendFile starts sending path to ip and returns once part 1 is on the wire.
// The remaining parts follow as acks arrive.
func (m *Manager) SendFile(ctx context.Context, ip, path string, chunkSize int) (string, error) {
	if m.isClosed() {
		return "", ErrClosed
	}
	if chunkSize <= 0 {
		chunkSize = m.options.ChunkSize
	}
	if chunkSize > MaxChunkSize {
		return "", fmt.Errorf("%w: chunk size %d exceeds %d", ErrInvalidPart, chunkSize, MaxChunkSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrFileNotFound, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return "", fmt.Errorf("%w: stat %s: %w", ErrFileNotFound, path, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return "", fmt.Errorf("%w: %s is a directory", ErrFileNotFound, path)
	}

	checksum, err := Checksum(io.NewSectionReader(f, 0, info.Size()))
	if err != nil {
		_ = f.Close()
		return "", err
	}

	tr := &sentTransfer{
		id:         uuid.NewString(),
		key:        transferKey{ip: ip, name: filepath.Base(path), path: path},
		file:       f,
		size:       info.Size(),
		chunkSize:  chunkSize,
		totalParts: partCount(info.Size(), chunkSize),
		checksum:   checksum,
		state:      StateInit,
	}

	m.sentMu.Lock()
	if _, exists := m.sent[tr.key]; exists {
		m.sentMu.Unlock()
		_ = f.Close()
		return "", fmt.Errorf("%w: %s to %s", ErrTransferExists, path, ip)
	}
	m.sent[tr.key] = tr
	m.sentMu.Unlock()

	log := m.log.WithFields(logrus.Fields{
		"peer_ip":     ip,
		"file_name":   tr.key.name,
		"transfer_id": tr.id,
		"total_parts": tr.totalParts,
	})

	tr.mu.Lock()
	m.recordSent(tr, storage.TransferStatusActive)
	err = m.sendPartLocked(ctx, tr, 1)
	if err != nil {
		tr.state = StateDone
		_ = tr.file.Close()
		m.recordSent(tr, storage.TransferStatusFailed)
	}
	progress := tr.progress()
	tr.mu.Unlock()

	if err != nil {
		m.removeSent(tr)
		log.WithError(err).Warn("file send failed")
		return "", err
	}

	m.emitProgress(progress)
	log.Info("file send started")
	return tr.id, nil
}

// HandleAck advances the transfer the ack belongs to. A duplicate or unknown
// ack fails with ErrFileNotFound; an ack for a part not in flight with
// ErrUnexpectedAck.
func (m *Manager) HandleAck(ctx context.Context, ip string, ack *AckMessage) error {
	if ack == nil {
		return ErrInvalidPart
	}

	key := transferKey{ip: ip, name: ack.FileName, path: ack.FilePath}
	m.sentMu.Lock()
	tr := m.sent[key]
	m.sentMu.Unlock()

	if tr == nil {
		return fmt.Errorf("%w: no transfer of %s for ack of part %d from %s", ErrFileNotFound, ack.FilePath, ack.PartIndex, ip)
	}

	tr.mu.Lock()
	if tr.state == StateDone {
		tr.mu.Unlock()
		return fmt.Errorf("%w: transfer of %s to %s already finished", ErrFileNotFound, ack.FilePath, ip)
	}
	if ack.PartIndex != tr.sent {
		inFlight := tr.sent
		tr.mu.Unlock()
		return fmt.Errorf("%w: got part %d, waiting on part %d", ErrUnexpectedAck, ack.PartIndex, inFlight)
	}

	tr.acked = ack.PartIndex
	progress := tr.progress()

	if tr.acked == tr.totalParts {
		tr.state = StateDone
		closeErr := tr.file.Close()
		m.recordSent(tr, storage.TransferStatusComplete)
		tr.mu.Unlock()

		m.removeSent(tr)

		progress.Completed = true
		m.emitProgress(progress)

		m.log.WithFields(logrus.Fields{
			"peer_ip":     ip,
			"file_name":   ack.FileName,
			"transfer_id": tr.id,
		}).Info("file sent")
		if closeErr != nil {
			return fmt.Errorf("close %s: %w", ack.FilePath, closeErr)
		}
		return nil
	}

	err := m.sendPartLocked(ctx, tr, tr.acked+1)
	m.recordSent(tr, storage.TransferStatusActive)
	tr.mu.Unlock()

	m.emitProgress(progress)
	return err
}

// HandlePart writes one inbound part and acks it. Part 1 always starts the
// transfer over, discarding any earlier one with the same key.
func (m *Manager) HandlePart(ctx context.Context, ip string, part *FilePart) error {
	if err := validatePart(part); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrClosed
	}

	key := transferKey{ip: ip, name: part.FileName, path: part.FilePath}

	var tr *receivedTransfer
	if part.PartIndex == 1 {
		var err error
		if tr, err = m.beginReceive(key, part); err != nil {
			return err
		}
	} else {
		m.recvMu.Lock()
		tr = m.received[key]
		m.recvMu.Unlock()
		if tr == nil {
			return fmt.Errorf("%w: part %d of %s from %s has no transfer", ErrFileNotFound, part.PartIndex, part.FilePath, ip)
		}
	}

	log := m.log.WithFields(logrus.Fields{
		"peer_ip":     ip,
		"file_name":   part.FileName,
		"part":        part.PartIndex,
		"transfer_id": tr.id,
	})

	tr.mu.Lock()
	if tr.done {
		tr.mu.Unlock()
		return fmt.Errorf("%w: transfer of %s from %s already finished", ErrFileNotFound, part.FilePath, ip)
	}
	if part.TotalParts != tr.totalParts || part.ChunkSize != tr.chunkSize {
		tr.mu.Unlock()
		return fmt.Errorf("%w: part %d disagrees with transfer layout", ErrInvalidPart, part.PartIndex)
	}

	offset := int64(part.PartIndex-1) * int64(tr.chunkSize)
	if len(part.Data) > 0 {
		if _, err := tr.file.WriteAt(part.Data, offset); err != nil {
			tr.done = true
			_ = tr.discard()
			m.recordReceived(tr, storage.TransferStatusFailed)
			tr.mu.Unlock()
			m.removeReceived(tr)
			return fmt.Errorf("write part %d of %s: %w", part.PartIndex, part.FilePath, err)
		}
	}
	if _, seen := tr.parts[part.PartIndex]; !seen {
		tr.parts[part.PartIndex] = struct{}{}
		tr.bytes += int64(len(part.Data))
	}
	progress := tr.progress()

	var (
		received  *Received
		finishErr error
	)
	final := part.PartIndex == tr.totalParts
	if final {
		tr.done = true
		if err := tr.file.Close(); err != nil {
			finishErr = fmt.Errorf("close %s: %w", tr.stagingPath, err)
		}
		if finishErr == nil && part.Checksum != "" {
			sum, err := checksumPath(tr.stagingPath)
			switch {
			case err != nil:
				finishErr = err
			case sum != part.Checksum:
				finishErr = fmt.Errorf("%w: %s from %s", ErrChecksumMismatch, part.FilePath, ip)
			}
		}
		if finishErr == nil {
			if err := os.Rename(tr.stagingPath, tr.localPath); err != nil {
				finishErr = fmt.Errorf("move %s into place: %w", tr.localPath, err)
			}
		}
		if finishErr != nil {
			if err := os.Remove(tr.stagingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				finishErr = errors.Join(finishErr, err)
			}
		}
		if finishErr == nil {
			progress.Completed = true
			received = &Received{
				TransferID: tr.id,
				PeerIP:     ip,
				FileName:   part.FileName,
				FilePath:   part.FilePath,
				LocalPath:  tr.localPath,
				Size:       tr.bytes,
				Checksum:   part.Checksum,
			}
			m.recordReceived(tr, storage.TransferStatusComplete)
		} else {
			m.recordReceived(tr, storage.TransferStatusFailed)
		}
	}
	tr.mu.Unlock()

	log.Debug("part written")
	m.emitProgress(progress)

	if final {
		m.removeReceived(tr)
		if finishErr != nil {
			log.WithError(finishErr).Warn("file receive failed")
		} else {
			log.WithField("local_path", tr.localPath).Info("file received")
			if m.options.OnReceived != nil {
				m.options.OnReceived(*received)
			}
		}
	}

	ack := &AckMessage{FileName: part.FileName, FilePath: part.FilePath, PartIndex: part.PartIndex}
	if err := m.objects.SendObjectTCP(ctx, ip, ack); err != nil {
		return errors.Join(finishErr, fmt.Errorf("ack part %d of %s: %w", part.PartIndex, part.FilePath, err))
	}
	return finishErr
}

// Abandon releases a send to ip that is waiting on a peer that went silent.
func (m *Manager) Abandon(ip, path string) error {
	key := transferKey{ip: ip, name: filepath.Base(path), path: path}

	m.sentMu.Lock()
	tr := m.sent[key]
	delete(m.sent, key)
	m.sentMu.Unlock()

	if tr == nil {
		return fmt.Errorf("%w: no transfer of %s to %s", ErrFileNotFound, path, ip)
	}

	tr.mu.Lock()
	wasOpen := tr.state != StateDone
	tr.state = StateDone
	var err error
	if wasOpen {
		err = tr.file.Close()
		m.recordSent(tr, storage.TransferStatusAbandoned)
	}
	tr.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"peer_ip":     ip,
		"file_name":   key.name,
		"transfer_id": tr.id,
	}).Info("file send abandoned")
	return err
}

// Transfers lists active transfers in both directions.
func (m *Manager) Transfers() []TransferInfo {
	m.sentMu.Lock()
	sent := make([]*sentTransfer, 0, len(m.sent))
	for _, tr := range m.sent {
		sent = append(sent, tr)
	}
	m.sentMu.Unlock()

	m.recvMu.Lock()
	received := make([]*receivedTransfer, 0, len(m.received))
	for _, tr := range m.received {
		received = append(received, tr)
	}
	m.recvMu.Unlock()

	out := make([]TransferInfo, 0, len(sent)+len(received))
	for _, tr := range sent {
		tr.mu.Lock()
		out = append(out, tr.info())
		tr.mu.Unlock()
	}
	for _, tr := range received {
		tr.mu.Lock()
		out = append(out, tr.info())
		tr.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].PeerIP != out[j].PeerIP {
			return out[i].PeerIP < out[j].PeerIP
		}
		if out[i].FilePath != out[j].FilePath {
			return out[i].FilePath < out[j].FilePath
		}
		return out[i].Direction < out[j].Direction
	})
	return out
}

// Close closes every open stream and drops all transfers.
func (m *Manager) Close() error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	m.closeMu.Unlock()

	m.sentMu.Lock()
	sent := m.sent
	m.sent = make(map[transferKey]*sentTransfer)
	m.sentMu.Unlock()

	m.recvMu.Lock()
	received := m.received
	m.received = make(map[transferKey]*receivedTransfer)
	m.recvMu.Unlock()

	var errs []error
	for _, tr := range sent {
		tr.mu.Lock()
		if tr.state != StateDone {
			tr.state = StateDone
			if err := tr.file.Close(); err != nil {
				errs = append(errs, err)
			}
			m.recordSent(tr, storage.TransferStatusAbandoned)
		}
		tr.mu.Unlock()
	}
	for _, tr := range received {
		tr.mu.Lock()
		if !tr.done {
			tr.done = true
			if err := tr.discard(); err != nil {
				errs = append(errs, err)
			}
			m.recordReceived(tr, storage.TransferStatusAbandoned)
		}
		tr.mu.Unlock()
	}

	m.errMu.Lock()
	m.errsClosed = true
	close(m.errs)
	m.errMu.Unlock()

	return errors.Join(errs...)
}

func (m *Manager) beginReceive(key transferKey, part *FilePart) (*receivedTransfer, error) {
	name := filepath.Base(part.FileName)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: unusable file name %q", ErrInvalidPart, part.FileName)
	}

	m.recvMu.Lock()
	previous := m.received[key]
	delete(m.received, key)
	m.recvMu.Unlock()

	if previous != nil {
		previous.mu.Lock()
		if !previous.done {
			previous.done = true
			_ = previous.discard()
			m.recordReceived(previous, storage.TransferStatusAbandoned)
		}
		previous.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"peer_ip":   key.ip,
			"file_name": key.name,
		}).Info("restarting file receive")
	}

	// Each source gets its own directory so equal names from different
	// peers never share a destination.
	dir := filepath.Join(m.options.TempDir, sourceDir(key.ip))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		return nil, fmt.Errorf("create staging file for %s: %w", name, err)
	}

	tr := &receivedTransfer{
		id:          uuid.NewString(),
		key:         key,
		file:        f,
		stagingPath: f.Name(),
		localPath:   filepath.Join(dir, name),
		chunkSize:   part.ChunkSize,
		totalParts:  part.TotalParts,
		totalSize:   part.TotalSize,
		parts:       make(map[int]struct{}),
	}

	m.recvMu.Lock()
	m.received[key] = tr
	m.recvMu.Unlock()

	m.recordReceived(tr, storage.TransferStatusActive)
	return tr, nil
}

// sendPartLocked sends part index of tr. The caller holds tr.mu. On failure
// the transfer keeps waiting on the last acknowledged part.
func (m *Manager) sendPartLocked(ctx context.Context, tr *sentTransfer, index int) error {
	part, err := tr.readPart(index)
	if err != nil {
		return err
	}

	tr.state = StateSending
	if err := m.objects.SendObjectTCP(ctx, tr.key.ip, part); err != nil {
		tr.state = StateAwaitingAck
		return fmt.Errorf("send part %d of %s to %s: %w", index, tr.key.path, tr.key.ip, err)
	}
	tr.sent = index
	tr.state = StateAwaitingAck

	m.log.WithFields(logrus.Fields{
		"peer_ip":   tr.key.ip,
		"file_name": tr.key.name,
		"part":      index,
	}).Debug("part sent")
	return nil
}

func (m *Manager) onPart(received object.Received) {
	part, ok := received.Object.(*FilePart)
	if !ok {
		return
	}
	if err := m.HandlePart(context.Background(), received.Meta.SourceIP, part); err != nil {
		m.reportError(err)
	}
}

func (m *Manager) onAck(received object.Received) {
	ack, ok := received.Object.(*AckMessage)
	if !ok {
		return
	}
	if err := m.HandleAck(context.Background(), received.Meta.SourceIP, ack); err != nil {
		m.reportError(err)
	}
}

func sourceDir(ip string) string {
	return strings.NewReplacer(":", "_", "%", "_", string(filepath.Separator), "_").Replace(ip)
}

func (m *Manager) removeSent(tr *sentTransfer) {
	m.sentMu.Lock()
	defer m.sentMu.Unlock()
	if m.sent[tr.key] == tr {
		delete(m.sent, tr.key)
	}
}

func (m *Manager) removeReceived(tr *receivedTransfer) {
	m.recvMu.Lock()
	defer m.recvMu.Unlock()
	if m.received[tr.key] == tr {
		delete(m.received, tr.key)
	}
}

func (m *Manager) recordSent(tr *sentTransfer, status string) {
	m.record(storage.Transfer{
		TransferID: tr.id,
		Direction:  storage.DirectionSend,
		PeerIP:     tr.key.ip,
		FileName:   tr.key.name,
		FilePath:   tr.key.path,
		TotalParts: tr.totalParts,
		PartsDone:  tr.acked,
		Status:     status,
	})
}

func (m *Manager) recordReceived(tr *receivedTransfer, status string) {
	m.record(storage.Transfer{
		TransferID: tr.id,
		Direction:  storage.DirectionReceive,
		PeerIP:     tr.key.ip,
		FileName:   tr.key.name,
		FilePath:   tr.key.path,
		TotalParts: tr.totalParts,
		PartsDone:  len(tr.parts),
		Status:     status,
	})
}

func (m *Manager) record(transfer storage.Transfer) {
	if m.options.Store == nil {
		return
	}
	if err := m.options.Store.UpsertTransfer(transfer); err != nil {
		m.reportError(fmt.Errorf("record transfer %s: %w", transfer.TransferID, err))
	}
}

func (m *Manager) emitProgress(progress Progress) {
	if m.options.OnProgress != nil {
		m.options.OnProgress(progress)
	}
}

func (m *Manager) isClosed() bool {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	return m.closed
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}

	m.log.WithError(err).Warn("file transfer error")

	m.errMu.RLock()
	defer m.errMu.RUnlock()
	if m.errsClosed {
		return
	}
	select {
	case m.errs <- err:
	default:
	}
}

func validatePart(part *FilePart) error {
	switch {
	case part == nil:
		return ErrInvalidPart
	case part.FileName == "":
		return fmt.Errorf("%w: missing file name", ErrInvalidPart)
	case part.TotalParts < 1, part.PartIndex < 1, part.PartIndex > part.TotalParts:
		return fmt.Errorf("%w: part %d of %d", ErrInvalidPart, part.PartIndex, part.TotalParts)
	case part.ChunkSize < 1 || part.ChunkSize > MaxChunkSize:
		return fmt.Errorf("%w: chunk size %d", ErrInvalidPart, part.ChunkSize)
	case len(part.Data) > part.ChunkSize:
		return fmt.Errorf("%w: %d bytes exceed chunk size %d", ErrInvalidPart, len(part.Data), part.ChunkSize)
	}
	return nil
}
