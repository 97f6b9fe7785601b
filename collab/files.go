package collab

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// TrackedFile is the local bookkeeping record for one binary asset.
// Records are tombstoned, never removed: a just-deleted asset that reappears
// via undo must not be re-uploaded.
type TrackedFile struct {
	Id        string
	Deleted   bool
	Loaded    bool
	FetchedAt time.Time
}

type FileData struct {
	Bytes    []byte
	MimeType string
	DataUrl  string
}

type FileTrackerSettings struct {
	// trailing-edge window for the referenced-id diff while edits occur
	SyncWindow time.Duration
	// a loaded file older than this is re-fetched on demand
	StaleAge time.Duration
	// bounded cache of decoded payloads. records are unbounded, payloads not.
	PayloadCacheSize int
}

func DefaultFileTrackerSettings() *FileTrackerSettings {
	return &FileTrackerSettings{
		SyncWindow:       1 * time.Second,
		StaleAge:         30 * time.Minute,
		PayloadCacheSize: 256,
	}
}

type FileStatusChangeFunction func(fileId string, status FileStatus)

type FetchFilesResult struct {
	LoadedFiles    []*TrackedFile
	ErroredFileIds []string
}

// FileTracker diffs the assets referenced by the scene against the previously
// known set and drives upload, delete, and fetch against the REST boundary.
// It is the single writer of the tracked file map.
type FileTracker struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *BoardsApi
	boardId  string
	settings *FileTrackerSettings

	statusCallbacks *CallbackList[FileStatusChangeFunction]

	throttle *Throttle

	mutex sync.Mutex
	files map[string]*TrackedFile
	// payloads held until the upload for their id completes
	pendingUpload map[string]*FileData
	// bounded decoded payload cache for fetched assets
	payloads *lru.Cache[string, *FileData]
	// latest scene snapshot, set by Sync and consumed by the throttled pass
	latest []*Element
}

func NewFileTrackerWithDefaults(ctx context.Context, api *BoardsApi, boardId string) *FileTracker {
	return NewFileTracker(ctx, api, boardId, DefaultFileTrackerSettings())
}

func NewFileTracker(ctx context.Context, api *BoardsApi, boardId string, settings *FileTrackerSettings) *FileTracker {
	cancelCtx, cancel := context.WithCancel(ctx)

	payloads, _ := lru.New[string, *FileData](settings.PayloadCacheSize)

	fileTracker := &FileTracker{
		ctx:             cancelCtx,
		cancel:          cancel,
		api:             api,
		boardId:         boardId,
		settings:        settings,
		statusCallbacks: NewCallbackList[FileStatusChangeFunction](),
		files:           map[string]*TrackedFile{},
		pendingUpload:   map[string]*FileData{},
		payloads:        payloads,
	}
	fileTracker.throttle = NewThrottle(settings.SyncWindow, fileTracker.syncPass)
	return fileTracker
}

func (self *FileTracker) AddStatusChangeCallback(callback FileStatusChangeFunction) func() {
	return self.statusCallbacks.Add(callback)
}

// AddFile registers a locally created asset and its payload. The payload is
// held until the next sync pass uploads it.
func (self *FileTracker) AddFile(fileId string, data *FileData) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	file, ok := self.files[fileId]
	if !ok {
		file = &TrackedFile{
			Id: fileId,
		}
		self.files[fileId] = file
	}
	file.Deleted = false
	file.Loaded = true
	file.FetchedAt = time.Now()
	self.pendingUpload[fileId] = data
}

// File returns the tracked record for an id, tombstones included.
func (self *FileTracker) File(fileId string) (*TrackedFile, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	file, ok := self.files[fileId]
	return file, ok
}

// Data returns the decoded payload for an id if it is locally available.
func (self *FileTracker) Data(fileId string) (*FileData, bool) {
	self.mutex.Lock()
	if data, ok := self.pendingUpload[fileId]; ok {
		self.mutex.Unlock()
		return data, true
	}
	self.mutex.Unlock()
	return self.payloads.Get(fileId)
}

// Sync records the current scene and schedules a trailing-edge diff pass.
func (self *FileTracker) Sync(elements []*Element) {
	self.mutex.Lock()
	self.latest = CloneScene(elements)
	self.mutex.Unlock()

	self.throttle.Trigger()
}

func referencedFileIds(elements []*Element) map[string]bool {
	referenced := map[string]bool{}
	for _, element := range elements {
		if element.FileId != "" && !element.Deleted {
			referenced[element.FileId] = true
		}
	}
	return referenced
}

func (self *FileTracker) syncPass() {
	self.mutex.Lock()
	elements := self.latest
	referenced := referencedFileIds(elements)

	// deduplicated by construction: ids are map keys.
	// a pending payload means the backend has not acked the upload yet, even
	// if the record is already tracked.
	uploadIds := map[string]bool{}
	for fileId := range referenced {
		file, ok := self.files[fileId]
		_, awaiting := self.pendingUpload[fileId]
		if !ok || file.Deleted || awaiting {
			uploadIds[fileId] = true
		}
	}

	deleteIds := map[string]bool{}
	for fileId, file := range self.files {
		if !referenced[fileId] && !file.Deleted {
			deleteIds[fileId] = true
			file.Deleted = true
		}
	}

	uploads := []*ApiFile{}
	for fileId := range uploadIds {
		data, ok := self.pendingUpload[fileId]
		if !ok {
			data, ok = self.payloads.Get(fileId)
		}
		if !ok {
			// payload not locally available, nothing to upload.
			// a fetch or AddFile must land first.
			continue
		}
		file, ok := self.files[fileId]
		if !ok {
			file = &TrackedFile{
				Id:        fileId,
				Loaded:    true,
				FetchedAt: time.Now(),
			}
			self.files[fileId] = file
		}
		file.Deleted = false
		uploads = append(uploads, &ApiFile{
			FileId:   fileId,
			MimeType: data.MimeType,
			DataUrl:  data.DataUrl,
		})
	}
	self.mutex.Unlock()

	if len(uploads) > 0 {
		self.api.UploadFiles(
			&UploadFilesArgs{
				BoardId: self.boardId,
				Files:   uploads,
			},
			NewApiCallback[*UploadFilesResult](func(result *UploadFilesResult, err error) {
				self.uploadDone(uploads, result, err)
			}),
		)
	}

	if len(deleteIds) > 0 {
		self.api.DeleteFiles(
			&DeleteFilesArgs{
				BoardId: self.boardId,
				FileIds: maps.Keys(deleteIds),
			},
			NewApiCallback[*DeleteFilesResult](func(result *DeleteFilesResult, err error) {
				if err != nil {
					// local tombstones already set. the backend delete is
					// best-effort and the next pass will not re-queue.
					glog.Infof("[f]delete error = %s\n", err)
				}
			}),
		)
	}
}

func (self *FileTracker) uploadDone(uploads []*ApiFile, result *UploadFilesResult, err error) {
	select {
	case <-self.ctx.Done():
		// session is gone, discard the result
		return
	default:
	}

	statuses := map[string]FileStatus{}

	self.mutex.Lock()
	for _, upload := range uploads {
		// the payload leaves the pending set on success and on error.
		// errored uploads are not re-queued without a further edit.
		if data, ok := self.pendingUpload[upload.FileId]; ok {
			delete(self.pendingUpload, upload.FileId)
			self.payloads.Add(upload.FileId, data)
		}
		if err != nil {
			statuses[upload.FileId] = FileStatusError
			continue
		}
		if message, failed := result.Errors[upload.FileId]; failed {
			glog.Infof("[f]upload error %s = %s\n", upload.FileId, message)
			statuses[upload.FileId] = FileStatusError
			continue
		}
		statuses[upload.FileId] = FileStatusSaved
	}
	self.mutex.Unlock()

	if err != nil {
		glog.Infof("[f]upload error = %s\n", err)
	}

	// status advance is local-only. errored uploads are not re-queued;
	// the user re-triggers by further editing.
	for fileId, status := range statuses {
		self.emitStatus(fileId, status)
	}
}

func (self *FileTracker) emitStatus(fileId string, status FileStatus) {
	for _, callback := range self.statusCallbacks.Get() {
		HandleError(func() {
			callback(fileId, status)
		})
	}
}

// Fetch downloads the given assets. Files already loaded and not stale are
// skipped unless force is set. Fetches run concurrently and failures are
// isolated per asset: one failing fetch does not fail the batch.
func (self *FileTracker) Fetch(fileIds []string, force bool) *FetchFilesResult {
	fetchIds := []string{}
	self.mutex.Lock()
	for _, fileId := range fileIds {
		file, ok := self.files[fileId]
		if ok && file.Loaded && !force {
			if time.Since(file.FetchedAt) < self.settings.StaleAge {
				continue
			}
		}
		fetchIds = append(fetchIds, fileId)
	}
	self.mutex.Unlock()

	result := &FetchFilesResult{}
	resultMutex := sync.Mutex{}

	wg := sync.WaitGroup{}
	for _, fileId := range fetchIds {
		wg.Add(1)
		go func(fileId string) {
			defer wg.Done()

			getResult, err := self.api.GetFileSync(
				self.boardId,
				fileId,
				NewNoopApiCallback[*GetFileResult](),
			)

			select {
			case <-self.ctx.Done():
				// session is gone, discard the result
				return
			default:
			}

			if err != nil {
				glog.Infof("[f]fetch error %s = %s\n", fileId, err)
				resultMutex.Lock()
				result.ErroredFileIds = append(result.ErroredFileIds, fileId)
				resultMutex.Unlock()
				self.emitStatus(fileId, FileStatusError)
				return
			}

			self.mutex.Lock()
			file, ok := self.files[fileId]
			if !ok {
				file = &TrackedFile{
					Id: fileId,
				}
				self.files[fileId] = file
			}
			file.Loaded = true
			file.FetchedAt = time.Now()
			self.mutex.Unlock()

			self.payloads.Add(fileId, &FileData{
				Bytes:    getResult.Data,
				MimeType: getResult.MimeType,
			})

			resultMutex.Lock()
			result.LoadedFiles = append(result.LoadedFiles, file)
			resultMutex.Unlock()
		}(fileId)
	}
	wg.Wait()

	return result
}

// Stop cancels the sync throttle. In-flight fetches are left to finish and
// their results discarded.
func (self *FileTracker) Stop() {
	self.throttle.Cancel()
	self.cancel()
}
