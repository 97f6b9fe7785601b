package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

// BoardsApi is the REST boundary that stores and serves binary assets.
// It is consumed, not owned: the engine only uploads, deletes, and fetches.
type BoardsApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewBoardsApi(apiUrl string) *BoardsApi {
	return NewBoardsApiWithContext(context.Background(), apiUrl)
}

func NewBoardsApiWithContext(ctx context.Context, apiUrl string) *BoardsApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &BoardsApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *BoardsApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *BoardsApi) Close() {
	self.cancel()
}

type ApiFile struct {
	FileId   string `json:"file_id"`
	MimeType string `json:"mime_type"`
	// base64 data url
	DataUrl string `json:"data_url"`
}

type UploadFilesCallback apiCallback[*UploadFilesResult]

type UploadFilesArgs struct {
	BoardId string     `json:"board_id"`
	Files   []*ApiFile `json:"files"`
}

type UploadFilesResult struct {
	// file id -> stored url
	Uploaded map[string]string `json:"uploaded,omitempty"`
	// file id -> error message
	Errors map[string]string `json:"errors,omitempty"`
}

func (self *BoardsApi) UploadFiles(uploadFiles *UploadFilesArgs, callback UploadFilesCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/files/upload", self.apiUrl),
		uploadFiles,
		self.byJwt,
		&UploadFilesResult{},
		callback,
	)
}

func (self *BoardsApi) UploadFilesSync(uploadFiles *UploadFilesArgs) (*UploadFilesResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/files/upload", self.apiUrl),
		uploadFiles,
		self.byJwt,
		&UploadFilesResult{},
		NewNoopApiCallback[*UploadFilesResult](),
	)
}

type DeleteFilesCallback apiCallback[*DeleteFilesResult]

type DeleteFilesArgs struct {
	BoardId string   `json:"board_id"`
	FileIds []string `json:"file_ids"`
}

type DeleteFilesResult struct {
	DeletedFileIds []string          `json:"deleted_file_ids,omitempty"`
	Errors         map[string]string `json:"errors,omitempty"`
}

func (self *BoardsApi) DeleteFiles(deleteFiles *DeleteFilesArgs, callback DeleteFilesCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/files/delete", self.apiUrl),
		deleteFiles,
		self.byJwt,
		&DeleteFilesResult{},
		callback,
	)
}

func (self *BoardsApi) DeleteFilesSync(deleteFiles *DeleteFilesArgs) (*DeleteFilesResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/files/delete", self.apiUrl),
		deleteFiles,
		self.byJwt,
		&DeleteFilesResult{},
		NewNoopApiCallback[*DeleteFilesResult](),
	)
}

type GetFileResult struct {
	FileId   string
	MimeType string
	Data     []byte
}

type GetFileCallback apiCallback[*GetFileResult]

func (self *BoardsApi) GetFile(boardId string, fileId string, callback GetFileCallback) {
	go self.GetFileSync(boardId, fileId, callback)
}

func (self *BoardsApi) GetFileSync(boardId string, fileId string, callback GetFileCallback) (*GetFileResult, error) {
	url := fmt.Sprintf("%s/files/%s/%s", self.apiUrl, boardId, fileId)

	req, err := http.NewRequestWithContext(self.ctx, "GET", url, nil)
	if err != nil {
		callback.Result(nil, err)
		return nil, err
	}

	if self.byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", self.byJwt))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		callback.Result(nil, err)
		return nil, err
	}
	defer r.Body.Close()

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		callback.Result(nil, err)
		return nil, err
	}

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		err = errors.New(strings.TrimSpace(string(bodyBytes)))
		callback.Result(nil, err)
		return nil, err
	}

	result := &GetFileResult{
		FileId:   fileId,
		MimeType: r.Header.Get("Content-Type"),
		Data:     bodyBytes,
	}
	callback.Result(result, nil)
	return result, nil
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
