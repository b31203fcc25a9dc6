// Package cmis is a client for the CMIS browser binding (JSON over HTTP).
package cmis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/cmisfs/internal/logging"
	"github.com/fruitsalade/cmisfs/internal/metrics"
	"github.com/fruitsalade/cmisfs/pkg/models"
	"github.com/fruitsalade/cmisfs/pkg/retry"
	"github.com/fruitsalade/cmisfs/pkg/tree"
)

// Client talks to one repository of a CMIS browser binding endpoint.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	retryConfig retry.Config

	mu       sync.RWMutex
	online   bool
	lastPing time.Time
	info     *RepositoryInfo
}

// Config holds client configuration.
type Config struct {
	// URL is the browser binding service document URL.
	URL          string
	RepositoryID string // empty selects the first repository
	Credentials  Credentials
	Timeout      time.Duration
	PageSize     int

	// RetryConfig applies to read requests only; mutations are sent once.
	RetryConfig retry.Config

	// HTTPClient overrides the default transport.
	HTTPClient *http.Client
}

// New creates a new client. No request is made until the first call.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	retryCfg := cfg.RetryConfig
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = func(attempt int, err error) {
			logging.Warn("retrying repository request", logging.Int("attempt", attempt), logging.Err(err))
		}
	}

	return &Client{
		cfg:         cfg,
		httpClient:  httpClient,
		retryConfig: retryCfg,
		online:      true,
	}
}

// SetAuthToken switches the client to bearer authentication.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Credentials.Token = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	creds := c.cfg.Credentials
	c.mu.RUnlock()
	creds.apply(req)
}

// IsOnline reports whether the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("repository is reachable again", logging.String("url", c.cfg.URL))
		} else {
			logging.Error("repository is unreachable", logging.String("url", c.cfg.URL))
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping fetches the service document and reports whether it succeeded.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.fetchRepositories(ctx)
	return err
}

// Connect fetches the service document and selects the repository.
func (c *Client) Connect(ctx context.Context) (*RepositoryInfo, error) {
	repos, err := c.fetchRepositories(ctx)
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, ErrNoRepository
	}

	var selected *jsonRepositoryInfo
	if c.cfg.RepositoryID != "" {
		for id, r := range repos {
			if id == c.cfg.RepositoryID || r.RepositoryID == c.cfg.RepositoryID {
				r := r
				selected = &r
				break
			}
		}
		if selected == nil {
			return nil, fmt.Errorf("repository %q: %w", c.cfg.RepositoryID, ErrNoRepository)
		}
	} else {
		ids := make([]string, 0, len(repos))
		for id := range repos {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		r := repos[ids[0]]
		selected = &r
	}

	info := selected.toInfo()
	if info.RootFolderURL == "" {
		info.RootFolderURL = strings.TrimSuffix(c.cfg.URL, "/") + "/" + url.PathEscape(info.ID) + "/root"
	}

	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
	logging.Info("connected to repository",
		logging.String("repository", info.ID),
		logging.String("product", info.ProductName+" "+info.ProductVersion),
		logging.String("root_folder", info.RootFolderID))
	return info, nil
}

// Info returns the selected repository, connecting first if needed.
func (c *Client) Info(ctx context.Context) (*RepositoryInfo, error) {
	c.mu.RLock()
	info := c.info
	c.mu.RUnlock()
	if info != nil {
		return info, nil
	}
	return c.Connect(ctx)
}

func (c *Client) fetchRepositories(ctx context.Context) (map[string]jsonRepositoryInfo, error) {
	var repos map[string]jsonRepositoryInfo
	err := c.getJSON(ctx, "repositories", c.cfg.URL, nil, &repos)
	return repos, err
}

// Root returns the root folder.
func (c *Client) Root(ctx context.Context) (*models.Object, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return nil, err
	}
	root, err := c.Object(ctx, info.RootFolderID)
	if err != nil {
		return nil, err
	}
	root.Kind = models.KindFolder
	root.Paths = []string{tree.Root}
	return root, nil
}

// Object fetches an object by id.
func (c *Client) Object(ctx context.Context, id string) (*models.Object, error) {
	q := url.Values{}
	q.Set("objectId", id)
	q.Set("cmisselector", "object")
	q.Set("includeAllowableActions", "false")
	var obj jsonObject
	if err := c.getRoot(ctx, "object", q, &obj); err != nil {
		return nil, err
	}
	return obj.toObject("", ""), nil
}

// Children lists a folder's children, following pagination. Each child
// carries the path at which it is reachable through this folder.
func (c *Client) Children(ctx context.Context, folder *models.Object) ([]*models.Object, error) {
	parentPath := folder.Path()
	var out []*models.Object
	skip := 0
	for {
		q := url.Values{}
		q.Set("objectId", folder.ID)
		q.Set("cmisselector", "children")
		q.Set("includePathSegment", "true")
		q.Set("maxItems", strconv.Itoa(c.cfg.PageSize))
		q.Set("skipCount", strconv.Itoa(skip))

		var page jsonChildren
		if err := c.getRoot(ctx, "children", q, &page); err != nil {
			return nil, err
		}
		for _, child := range page.Objects {
			out = append(out, child.Object.toObject(parentPath, child.PathSegment))
		}
		skip += len(page.Objects)
		if !page.HasMoreItems || len(page.Objects) == 0 {
			break
		}
	}
	logging.Debug("listed children", logging.Path(parentPath), logging.Int("count", len(out)))
	return out, nil
}

// Paths returns every path at which obj is reachable. Folders have a single
// path; documents are looked up through their parents.
func (c *Client) Paths(ctx context.Context, obj *models.Object) ([]string, error) {
	if obj.IsFolder() {
		if p, ok := obj.Properties.String(models.PropPath); ok {
			return []string{tree.Clean(p)}, nil
		}
		return obj.Paths, nil
	}

	q := url.Values{}
	q.Set("objectId", obj.ID)
	q.Set("cmisselector", "parents")
	q.Set("includeRelativePathSegment", "true")
	var parents []jsonParent
	if err := c.getRoot(ctx, "parents", q, &parents); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(parents))
	for _, p := range parents {
		parentPath, _ := decodeProperties(p.Object.Properties).String(models.PropPath)
		segment := p.RelativePathSegment
		if segment == "" {
			segment = obj.Name
		}
		// A root parent yields "//name" when joined naively; Clean collapses it.
		paths = append(paths, tree.Clean(parentPath+"/"+segment))
	}
	return paths, nil
}

// ContentStream opens the content of a document. The caller closes it.
func (c *Client) ContentStream(ctx context.Context, id string) (io.ReadCloser, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("objectId", id)
	q.Set("cmisselector", "content")

	return retry.DoWithResult(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		resp, err := c.send(ctx, "content", http.MethodGet, info.RootFolderURL+"?"+q.Encode(), nil, "")
		if err != nil {
			return nil, retryableRead(err)
		}
		return &countingReadCloser{ReadCloser: resp.Body}, nil
	})
}

// SetContentStream replaces a document's content.
func (c *Client) SetContentStream(ctx context.Context, id string, content io.Reader, size int64) error {
	form := url.Values{}
	form.Set("cmisaction", "setContent")
	form.Set("overwriteFlag", "true")
	err := c.postMultipart(ctx, "setContent", id, form, content, size, nil)
	if err == nil {
		metrics.RecordUpload(size)
	}
	return err
}

// DeleteContentStream removes a document's content.
func (c *Client) DeleteContentStream(ctx context.Context, id string) error {
	form := url.Values{}
	form.Set("cmisaction", "deleteContent")
	return c.postForm(ctx, "deleteContent", id, form, nil)
}

// CreateFolder creates a folder named name under parentID.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*models.Object, error) {
	return c.create(ctx, "createFolder", parentID, name, models.TypeFolder)
}

// CreateDocument creates an empty document named name under parentID.
func (c *Client) CreateDocument(ctx context.Context, parentID, name string) (*models.Object, error) {
	return c.create(ctx, "createDocument", parentID, name, models.TypeDocument)
}

func (c *Client) create(ctx context.Context, action, parentID, name, typeID string) (*models.Object, error) {
	form := url.Values{}
	form.Set("cmisaction", action)
	setProperties(form, []string{models.PropName, models.PropObjectTypeID}, models.Properties{
		models.PropName:         models.StringValue(name),
		models.PropObjectTypeID: models.StringValue(typeID),
	})
	var obj jsonObject
	if err := c.postForm(ctx, action, parentID, form, &obj); err != nil {
		return nil, err
	}
	return obj.toObject("", ""), nil
}

// Delete removes an object (all versions).
func (c *Client) Delete(ctx context.Context, id string) error {
	form := url.Values{}
	form.Set("cmisaction", "delete")
	form.Set("allVersions", "true")
	return c.postForm(ctx, "delete", id, form, nil)
}

// Move moves an object from one parent folder to another.
func (c *Client) Move(ctx context.Context, id, sourceFolderID, targetFolderID string) (*models.Object, error) {
	form := url.Values{}
	form.Set("cmisaction", "move")
	form.Set("sourceId", sourceFolderID)
	form.Set("targetId", targetFolderID)
	var obj jsonObject
	if err := c.postForm(ctx, "move", id, form, &obj); err != nil {
		return nil, err
	}
	return obj.toObject("", ""), nil
}

// UpdateProperties sets properties on an object.
func (c *Client) UpdateProperties(ctx context.Context, id string, props models.Properties) (*models.Object, error) {
	form := url.Values{}
	form.Set("cmisaction", "update")
	setProperties(form, props.Names(), props)
	var obj jsonObject
	if err := c.postForm(ctx, "update", id, form, &obj); err != nil {
		return nil, err
	}
	return obj.toObject("", ""), nil
}

func setProperties(form url.Values, order []string, props models.Properties) {
	for i, id := range order {
		form.Set(fmt.Sprintf("propertyId[%d]", i), id)
		values := encodeValue(props[id])
		if len(values) == 1 && !props[id].IsList() {
			form.Set(fmt.Sprintf("propertyValue[%d]", i), values[0])
			continue
		}
		for j, v := range values {
			form.Set(fmt.Sprintf("propertyValue[%d][%d]", i, j), v)
		}
	}
}

// Request plumbing.

func (c *Client) getRoot(ctx context.Context, op string, q url.Values, out interface{}) error {
	info, err := c.Info(ctx)
	if err != nil {
		return err
	}
	return c.getJSON(ctx, op, info.RootFolderURL, q, out)
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, q url.Values, out interface{}) error {
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	return retry.Do(ctx, c.retryConfig, func() error {
		resp, err := c.send(ctx, op, http.MethodGet, endpoint, nil, "")
		if err != nil {
			return retryableRead(err)
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("cmis %s: decode response: %w", op, err)
		}
		return nil
	})
}

func (c *Client) postForm(ctx context.Context, op, objectID string, form url.Values, out interface{}) error {
	info, err := c.Info(ctx)
	if err != nil {
		return err
	}
	endpoint := info.RootFolderURL + "?objectId=" + url.QueryEscape(objectID)
	resp, err := c.send(ctx, op, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOptional(op, resp, out)
}

func (c *Client) postMultipart(ctx context.Context, op, objectID string, form url.Values, content io.Reader, size int64, out interface{}) error {
	info, err := c.Info(ctx)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		for k, vs := range form {
			for _, v := range vs {
				if err := mw.WriteField(k, v); err != nil {
					pw.CloseWithError(err)
					return
				}
			}
		}
		part, err := mw.CreateFormFile("content", "content")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, content); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	endpoint := info.RootFolderURL + "?objectId=" + url.QueryEscape(objectID)
	resp, err := c.send(ctx, op, http.MethodPost, endpoint, pr, mw.FormDataContentType())
	// Unblock the writer if the request failed before draining the body.
	pr.Close()
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	logging.Debug("uploaded content", logging.ObjectID(objectID), logging.Int64("size", size))
	return decodeOptional(op, resp, out)
}

// send performs one request and converts non-2xx responses into *Error.
func (c *Client) send(ctx context.Context, op, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	c.applyAuth(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(op, 0, time.Since(start))
		c.setOnline(false)
		return nil, fmt.Errorf("cmis %s: %w", op, err)
	}
	metrics.RecordRemoteRequest(op, resp.StatusCode, time.Since(start))
	c.setOnline(true)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	cerr := &Error{Op: op, Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var exc jsonException
	if json.Unmarshal(data, &exc) == nil && exc.Exception != "" {
		cerr.Exception = exc.Exception
		cerr.Message = exc.Message
	} else {
		cerr.Message = strings.TrimSpace(string(data))
	}
	return nil, cerr
}

func decodeOptional(op string, resp *http.Response, out interface{}) error {
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("cmis %s: decode response: %w", op, err)
	}
	return nil
}

// retryableRead marks server errors and transport failures as retryable.
func retryableRead(err error) error {
	var cerr *Error
	if errors.As(err, &cerr) {
		if cerr.Status >= 500 {
			return retry.Retryable(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return retry.Retryable(err)
}

type countingReadCloser struct {
	io.ReadCloser
	n int64
}

func (r *countingReadCloser) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *countingReadCloser) Close() error {
	metrics.RecordDownload(r.n)
	return r.ReadCloser.Close()
}
