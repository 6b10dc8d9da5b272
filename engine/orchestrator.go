package engine

import (
	"io"
	"strings"
	"sync/atomic"
	"time"

	"gitlab.com/NebulousLabs/demotemutex"
	"gitlab.com/NebulousLabs/errors"
	nlog "gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/threadgroup"

	"github.com/gog-galaxy/depotinstall/build"
)

const (
	downloaderShutdownTimeout = 2 * time.Second
	writerShutdownTimeout     = 10 * time.Second
	interruptShutdownTimeout  = 5 * time.Second
	queueWaitTimeout          = 1 * time.Second

	// maxChunkRequeues bounds how many times a single chunk task can be
	// re-enqueued after a downloader failure. §9 flags the source's
	// unbounded re-enqueue as a live-lock risk; a chunk that still fails
	// after this many attempts is declared fatal with ErrMissingChunk
	// instead of being requeued forever.
	maxChunkRequeues = 8
)

// Config configures one Engine. Configuration file I/O is out of scope
// (§1); callers populate this struct directly.
type Config struct {
	Root              string
	SupportRoot       string
	WorkerCount       int
	MaxBytesPerSecond int64

	// ScratchParent is the directory the scratch pool's temp directory is
	// created under. Empty uses os.TempDir() (see DefaultScratchParent for
	// an executable-relative alternative a caller can opt into).
	ScratchParent string
}

// Engine ties the planner, scratch pool, chunk cache, downloader pool, and
// writer into the executor orchestrator described in §4.5.
type Engine struct {
	cfg      Config
	links    SecureLinks
	logger   *nlog.Logger
	reporter ProgressReporter
	tg       threadgroup.ThreadGroup
}

// New constructs an Engine. A nil logger writes to io.Discard; a nil
// reporter discards progress samples.
func New(cfg Config, links SecureLinks, logger *nlog.Logger, reporter ProgressReporter) *Engine {
	if logger == nil {
		logger = NewLogger(io.Discard)
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	return &Engine{cfg: cfg, links: links, logger: logger, reporter: reporter}
}

// RunResult is returned from Run: fatal_error in the source's vocabulary
// (§7, "the run returns a boolean fatal_error"), plus whether the plan was
// refused outright at the pre-flight check.
type RunResult struct {
	Fatal   bool
	Refused bool
}

// Run executes one install/update pass against diff, using cancel to allow
// cooperative interruption (§4.5, §5).
func (e *Engine) Run(diff Diff, cancel *CancelToken) (RunResult, error) {
	if err := e.tg.Add(); err != nil {
		return RunResult{}, err
	}
	defer e.tg.Done()

	journalEntries, err := ReadJournal(e.cfg.Root, e.logger)
	if err != nil {
		return RunResult{}, errors.AddContext(err, "unable to read resume journal")
	}

	plan, err := BuildPlan(PlanInput{
		Diff:           diff,
		Root:           e.cfg.Root,
		SupportRoot:    e.cfg.SupportRoot,
		JournalEntries: journalEntries,
	})
	if err != nil {
		return RunResult{}, errors.AddContext(err, "unable to build plan")
	}

	ok, err := CheckFreeSpace(plan.RequiredDiskDelta, e.cfg.Root)
	if err != nil {
		return RunResult{}, errors.AddContext(err, "unable to check free space")
	}
	if !ok {
		return RunResult{Refused: true}, nil
	}

	return e.execute(plan, cancel)
}

// execute runs the scheduler, download-result/task-advance loop, and
// writer-result loop described in §4.5 against an already-built plan.
func (e *Engine) execute(plan *Plan, cancel *CancelToken) (result RunResult, err error) {
	scratch, err := NewScratchPool(e.cfg.ScratchParent, 4*e.cfg.WorkerCount)
	if err != nil {
		return RunResult{}, err
	}
	defer func() {
		// ComposeErrors folds a scratch-directory cleanup failure into
		// whatever the run itself returned, instead of silently dropping it.
		err = build.ComposeErrors(err, scratch.Close())
	}()

	cache, err := NewChunkCache(e.cfg.Root)
	if err != nil {
		return RunResult{}, err
	}

	writer := NewWriter(e.cfg.Root, e.cfg.SupportRoot, cache, plan.HashMap)
	downloader := NewDownloader(e.links, NewThrottle(e.cfg.MaxBytesPerSecond))
	journal, err := OpenJournalWriter(e.cfg.Root)
	if err != nil {
		return RunResult{}, err
	}
	accountant := NewAccountant(e.reporter)

	o := &run{
		eng:        e,
		plan:       plan,
		scratch:    scratch,
		cache:      cache,
		writer:     writer,
		downloader: downloader,
		journal:    journal,
		accountant: accountant,
		cancel:     cancel,

		v1Queue: append([]DownloadTask(nil), plan.V1Queue...),
		v2Queue: append([]DownloadTask(nil), plan.V2Queue...),

		downloadJobs:    make(chan downloadJob),
		downloadResults: make(chan DownloadTaskResult, 2*e.cfg.WorkerCount),
		writerJobs:      make(chan WriterTask),
		writerResults:   make(chan WriterResult),
		scratchReady:    make(chan struct{}, 1),
		taskReady:       make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	return o.run()
}

// downloadJob pairs a submitted DownloadTask with the scratch buffer the
// scheduler granted it. Chunks reused from an old file or from the chunk
// cache never become download jobs: the task-advance loop dispatches them
// to the writer directly.
type downloadJob struct {
	task    DownloadTask
	scratch string
}

// run holds all per-execution mutable state: the scheduler, download-result
// loop, and writer-result loop each own distinct fields and communicate
// only through channels, per §9's guidance against a monolithic lock.
type run struct {
	eng        *Engine
	plan       *Plan
	scratch    *ScratchPool
	cache      *ChunkCache
	writer     *Writer
	downloader *Downloader
	journal    *JournalWriter
	accountant *Accountant
	cancel     *CancelToken

	v1Queue []DownloadTask
	v2Queue []DownloadTask

	downloadJobs    chan downloadJob
	downloadResults chan DownloadTaskResult
	writerJobs      chan WriterTask
	writerResults   chan WriterResult
	scratchReady    chan struct{}
	taskReady       chan struct{}
	done            chan struct{}

	activeChunks int32

	readyMu     demotemutex.DemoteMutex
	readyChunks map[string]DownloadTaskResult

	fatal   bool
	fatalMu demotemutex.DemoteMutex
}

func (r *run) setFatal(err error) {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	r.fatal = true
	if err != nil {
		r.eng.logger.Println("fatal error, shutting down:", err)
	}
}

func (r *run) isFatal() bool {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatal
}

func (r *run) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *run) run() (RunResult, error) {
	r.readyChunks = make(map[string]DownloadTaskResult)

	workers := make([]chan struct{}, r.eng.cfg.WorkerCount)
	for i := range workers {
		done := make(chan struct{})
		workers[i] = done
		go r.downloadWorker(done)
	}

	writerDone := make(chan struct{})
	go r.writerWorker(writerDone)

	schedulerDone := make(chan struct{})
	go r.scheduler(schedulerDone)

	writerResultDone := make(chan struct{})
	go r.writerResultLoop(writerResultDone)

	// Download-result/task-advance loop runs on this goroutine and drives
	// completion: it returns once every task has been dispatched or a
	// fatal error/cancellation ends the run.
	r.taskAdvanceLoop()

	var shutdownWarnings []error
	close(r.downloadJobs)
	for _, w := range workers {
		select {
		case <-w:
		case <-time.After(downloaderShutdownTimeout):
			shutdownWarnings = append(shutdownWarnings, errors.New("downloader worker did not stop within timeout, abandoning"))
		}
	}
	close(r.writerJobs)
	select {
	case <-writerDone:
	case <-time.After(writerShutdownTimeout):
		shutdownWarnings = append(shutdownWarnings, errors.New("writer did not stop within timeout, abandoning"))
	}
	close(r.downloadResults)
	close(r.writerResults)
	<-schedulerDone
	<-writerResultDone

	// JoinErrors collapses any shutdown stragglers into one log line rather
	// than one Println per straggler.
	if warn := build.JoinErrors(shutdownWarnings, "; "); warn != nil {
		r.eng.logger.Println("shutdown warnings:", warn)
	}

	fatal := r.isFatal()
	if fatal || r.cancel.Cancelled() {
		// Interrupt shutdown: leave the journal intact (§4.5).
		r.journal.Close()
		return RunResult{Fatal: fatal}, nil
	}
	// Clean shutdown: remove the journal so the next run starts fresh.
	if err := r.journal.Delete(); err != nil {
		r.eng.logger.Println("unable to delete resume journal:", err)
	}
	return RunResult{Fatal: false}, nil
}

func (r *run) downloadWorker(done chan struct{}) {
	defer close(done)
	for job := range r.downloadJobs {
		if r.cancel.Cancelled() {
			continue
		}
		res := r.downloader.Download(job.task, job.scratch, r.cancel)
		select {
		case r.downloadResults <- res:
		case <-r.done:
			return
		}
	}
}

func (r *run) writerWorker(done chan struct{}) {
	defer close(done)
	for job := range r.writerJobs {
		res := r.writer.Process(job)
		select {
		case r.writerResults <- res:
		case <-r.done:
			return
		}
	}
}

// scheduler is §4.5's "download scheduler" loop: it throttles on scratch
// availability and the soft 2N active-chunk bound, and drains the V1/V2
// queues in that priority order.
func (r *run) scheduler(done chan struct{}) {
	defer close(done)
	for {
		if r.isFatal() || r.cancel.Cancelled() {
			return
		}
		if len(r.v1Queue) == 0 && len(r.v2Queue) == 0 {
			select {
			case <-r.taskReady:
			case <-time.After(queueWaitTimeout):
			case <-r.done:
				return
			}
			if len(r.v1Queue) == 0 && len(r.v2Queue) == 0 {
				continue
			}
		}
		if int(atomic.LoadInt32(&r.activeChunks)) > 2*r.eng.cfg.WorkerCount {
			select {
			case <-r.taskReady:
			case <-time.After(queueWaitTimeout):
			case <-r.done:
				return
			}
			continue
		}
		path, ok := r.scratch.TryAcquire()
		if !ok {
			select {
			case <-r.scratchReady:
			case <-time.After(queueWaitTimeout):
			case <-r.done:
				return
			}
			continue
		}

		var task DownloadTask
		if len(r.v1Queue) > 0 {
			task = r.v1Queue[0]
			r.v1Queue = r.v1Queue[1:]
		} else {
			task = r.v2Queue[0]
			r.v2Queue = r.v2Queue[1:]
		}
		atomic.AddInt32(&r.activeChunks, 1)
		select {
		case r.downloadJobs <- downloadJob{task: task, scratch: path}:
		case <-r.done:
			r.scratch.Release(path)
			atomic.AddInt32(&r.activeChunks, -1)
			return
		}
	}
}

// requeue pushes a failed download back onto the front of the queue it came
// from, so a retried chunk is attempted again before fresh ones. A real
// chunk carries a non-empty CompressedMD5 or, for V1, a FileHash.
func (r *run) requeue(task DownloadTask) {
	if task.Kind == DownloadV1 {
		r.v1Queue = append([]DownloadTask{task}, r.v1Queue...)
	} else {
		r.v2Queue = append([]DownloadTask{task}, r.v2Queue...)
	}
	r.signal(r.taskReady)
}

func (r *run) readyChunk(id string) (DownloadTaskResult, bool) {
	r.readyMu.Lock()
	defer r.readyMu.Unlock()
	res, ok := r.readyChunks[id]
	return res, ok
}

func (r *run) putReadyChunk(id string, res DownloadTaskResult) {
	r.readyMu.Lock()
	defer r.readyMu.Unlock()
	r.readyChunks[id] = res
}

func (r *run) dropReadyChunk(id string) {
	r.readyMu.Lock()
	defer r.readyMu.Unlock()
	delete(r.readyChunks, id)
}

// taskAdvanceLoop is §4.5's "download-result / task-advance loop": it
// drains the plan's task deque in order, dispatching file tasks to the
// writer immediately and blocking chunk tasks on their download result.
func (r *run) taskAdvanceLoop() {
	defer close(r.done)
	for i := 0; i < len(r.plan.Tasks); i++ {
		if r.isFatal() || r.cancel.Cancelled() {
			return
		}
		t := r.plan.Tasks[i]

		switch {
		case t.File != nil:
			r.dispatchWriter(translateFileTask(*t.File))

		case t.Chunk != nil:
			if !r.advanceChunkTask(*t.Chunk) {
				return
			}

		case t.V1 != nil:
			if !r.advanceV1Task(*t.V1) {
				return
			}
		}
	}
}

func (r *run) advanceChunkTask(c ChunkTask) bool {
	if c.OldFile != "" {
		r.dispatchWriter(translateReuseChunk(c))
		return true
	}
	for {
		if r.isFatal() || r.cancel.Cancelled() {
			return false
		}
		if res, ok := r.readyChunk(c.ID()); ok {
			r.dispatchWriter(translateDownloadedChunk(c, res))
			atomic.AddInt32(&r.activeChunks, -1)
			if c.Cleanup {
				r.dropReadyChunk(c.ID())
			}
			r.signal(r.taskReady)
			r.signal(r.scratchReady)
			return true
		}
		if !r.waitForDownloadResult() {
			return false
		}
	}
}

func (r *run) advanceV1Task(t V1Task) bool {
	for {
		if r.isFatal() || r.cancel.Cancelled() {
			return false
		}
		if res, ok := r.readyChunk(t.ID()); ok {
			r.dispatchWriter(translateV1Chunk(res))
			atomic.AddInt32(&r.activeChunks, -1)
			r.dropReadyChunk(t.ID())
			r.signal(r.taskReady)
			r.signal(r.scratchReady)
			return true
		}
		if !r.waitForDownloadResult() {
			return false
		}
	}
}

// waitForDownloadResult blocks on the result queue (1s timeout so
// cancellation stays observable, §5) and folds one result into
// readyChunks. It returns false if the run should stop.
func (r *run) waitForDownloadResult() bool {
	select {
	case res, ok := <-r.downloadResults:
		if !ok {
			return false
		}
		id := chunkID(res.Task)
		if res.Success {
			r.putReadyChunk(id, res)
			r.accountant.ReportDownload(res.DownloadedBytes, res.DecompressedBytes)
			r.signal(r.taskReady)
		} else {
			if res.FailReason != nil && res.FailReason.Kind == ErrUnauthorized {
				r.setFatal(res.FailReason)
				return false
			}
			task := res.Task
			task.RetryCount++
			if task.RetryCount > maxChunkRequeues {
				r.setFatal(NewTaskError(ErrMissingChunk, "chunk exceeded re-enqueue limit", res.FailReason))
				return false
			}
			r.requeue(task)
		}
		return true
	case <-time.After(queueWaitTimeout):
		return true
	}
}

func chunkID(t DownloadTask) string {
	if t.Kind == DownloadV1 {
		return V1Task{FileHash: t.FileHash, Index: t.Index}.ID()
	}
	return t.CompressedMD5
}

func (r *run) dispatchWriter(wt WriterTask) {
	select {
	case r.writerJobs <- wt:
	case <-r.done:
	}
}

// writerResultLoop is §4.5's "writer-result loop".
func (r *run) writerResultLoop(done chan struct{}) {
	defer close(done)
	for res := range r.writerResults {
		if !res.Success {
			r.setFatal(res.Err)
			continue
		}
		r.accountant.ReportWrite(res.WrittenBytes)
		if res.Task.TempFile != "" {
			r.scratch.Release(res.Task.TempFile)
			r.signal(r.scratchReady)
		}
		if res.ClosedPath != "" {
			r.journalClose(res.ClosedPath, res.Task)
		}
	}
}

// journalClose appends a resume-journal entry for a successfully closed
// file, trimming a ".tmp" suffix and skipping ".delta" paths (§4.3).
func (r *run) journalClose(closedPath string, t WriterTask) {
	if strings.HasSuffix(closedPath, ".delta") {
		return
	}
	relPath := t.Path
	relPath = strings.TrimSuffix(relPath, ".tmp")
	hash, ok := r.plan.HashMap[strings.ToLower(relPath)]
	if !ok || hash == "" {
		r.eng.logger.Println("resume journal: no known hash for", relPath, "skipping")
		return
	}
	if err := r.journal.Append(hash, t.Flags.Has(TaskSupport), relPath); err != nil {
		r.eng.logger.Println("unable to append resume journal entry:", err)
	}
}

func translateFileTask(f FileTask) WriterTask {
	return WriterTask{
		Path:      f.Path,
		Flags:     f.Flags,
		OldFlags:  f.OldFlags,
		OldFile:   f.OldFile,
		PatchFile: f.PatchFile,
	}
}

func translateReuseChunk(c ChunkTask) WriterTask {
	var offset int64
	if c.OldOffset != nil {
		offset = *c.OldOffset
	}
	flags := c.OldFlags
	if c.OffloadToCache {
		flags |= TaskOffloadToCache
	}
	return WriterTask{
		Flags:     flags,
		OldFile:   c.OldFile,
		OldOffset: offset,
		Size:      c.Size,
		Hash:      c.MD5,
		OldFlags:  c.OldFlags,
	}
}

func translateDownloadedChunk(c ChunkTask, res DownloadTaskResult) WriterTask {
	flags := c.OldFlags
	if c.OffloadToCache {
		flags |= TaskOffloadToCache
	}
	return WriterTask{
		Flags:    flags,
		TempFile: res.ScratchPath,
		Size:     c.Size,
		Hash:     c.MD5,
		OldFlags: c.OldFlags,
	}
}

func translateV1Chunk(res DownloadTaskResult) WriterTask {
	return WriterTask{
		TempFile: res.ScratchPath,
		Size:     res.DownloadedBytes,
	}
}
