// Package fakerepo is an in-memory repository used by tests. It counts
// every call and can inject failures per operation.
package fakerepo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fruitsalade/cmisfs/pkg/models"
	"github.com/fruitsalade/cmisfs/pkg/tree"
)

// Operation names used by Count and Fail.
const (
	OpRoot                = "Root"
	OpChildren            = "Children"
	OpPaths               = "Paths"
	OpContentStream       = "ContentStream"
	OpSetContentStream    = "SetContentStream"
	OpDeleteContentStream = "DeleteContentStream"
	OpCreateFolder        = "CreateFolder"
	OpCreateDocument      = "CreateDocument"
	OpDelete              = "Delete"
	OpMove                = "Move"
	OpUpdateProperties    = "UpdateProperties"
)

type node struct {
	id       string
	name     string
	folder   bool
	parents  []string
	content  []byte
	hasBody  bool
	created  time.Time
	modified time.Time
	extra    models.Properties
}

// Repo is an in-memory folder tree.
type Repo struct {
	mu     sync.Mutex
	nodes  map[string]*node
	rootID string
	nextID int
	calls  map[string]int
	fail   map[string]error
	now    time.Time

	// ContentDelay, if set, is slept inside ContentStream.
	ContentDelay time.Duration
}

// New creates a repository holding only the root folder.
func New() *Repo {
	r := &Repo{
		nodes: make(map[string]*node),
		calls: make(map[string]int),
		fail:  make(map[string]error),
		now:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	r.rootID = "root"
	r.nodes[r.rootID] = &node{id: r.rootID, folder: true, created: r.now, modified: r.now}
	return r
}

// Count returns how often op was called.
func (r *Repo) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Total returns the number of calls across all operations.
func (r *Repo) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

// ResetCounts clears the call counters.
func (r *Repo) ResetCounts() {
	r.mu.Lock()
	r.calls = make(map[string]int)
	r.mu.Unlock()
}

// Fail makes every later call of op return err. A nil err clears it.
func (r *Repo) Fail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

// begin records a call and returns the injected failure, if any. Caller
// holds r.mu.
func (r *Repo) begin(op string) error {
	r.calls[op]++
	return r.fail[op]
}

// MustFolder creates a folder at path, creating parents as needed, and
// returns its id.
func (r *Repo) MustFolder(path string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.rootID
	for _, seg := range tree.Split(path) {
		child := r.childNamed(id, seg)
		if child == nil {
			child = r.add(id, seg, true)
		}
		id = child.id
	}
	return id
}

// MustDocument creates a document at path with content and returns its id.
func (r *Repo) MustDocument(path string, content []byte) string {
	parentID := r.MustFolder(tree.Dir(path))
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.add(parentID, tree.Base(path), false)
	if content != nil {
		n.content = append([]byte(nil), content...)
		n.hasBody = true
	}
	return n.id
}

// File adds an existing document to another folder.
func (r *Repo) File(docID, folderPath string) {
	parentID := r.MustFolder(folderPath)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.nodes[docID]
	n.parents = append(n.parents, parentID)
}

// Lookup returns the id of the object at path.
func (r *Repo) Lookup(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.rootID
	for _, seg := range tree.Split(path) {
		child := r.childNamed(id, seg)
		if child == nil {
			return "", false
		}
		id = child.id
	}
	return id, true
}

// ContentOf returns the content stored for id.
func (r *Repo) ContentOf(id string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok || !n.hasBody {
		return nil, false
	}
	return append([]byte(nil), n.content...), true
}

// ModifiedOf returns the modification time of id.
func (r *Repo) ModifiedOf(id string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[id].modified
}

func (r *Repo) add(parentID, name string, folder bool) *node {
	r.nextID++
	n := &node{
		id:       fmt.Sprintf("obj-%d", r.nextID),
		name:     name,
		folder:   folder,
		parents:  []string{parentID},
		created:  r.now,
		modified: r.now,
	}
	r.nodes[n.id] = n
	return n
}

func (r *Repo) childNamed(parentID, name string) *node {
	for _, n := range r.nodes {
		if n.name == name && hasParent(n, parentID) {
			return n
		}
	}
	return nil
}

func hasParent(n *node, parentID string) bool {
	for _, p := range n.parents {
		if p == parentID {
			return true
		}
	}
	return false
}

func (r *Repo) pathOf(id string) string {
	if id == r.rootID {
		return tree.Root
	}
	n := r.nodes[id]
	return tree.BuildChildPath(r.pathOf(n.parents[0]), n.name)
}

func (r *Repo) object(n *node, parentID string) *models.Object {
	props := models.Properties{
		models.PropObjectID:             models.StringValue(n.id),
		models.PropName:                 models.StringValue(n.name),
		models.PropCreationDate:         models.TimeValue(n.created),
		models.PropLastModificationDate: models.TimeValue(n.modified),
	}
	for k, v := range n.extra {
		props[k] = v
	}
	obj := &models.Object{ID: n.id, Name: n.name, Properties: props}
	if n.folder {
		obj.Kind = models.KindFolder
		props[models.PropBaseTypeID] = models.StringValue(models.TypeFolder)
		props[models.PropPath] = models.StringValue(r.pathOf(n.id))
		obj.Paths = []string{r.pathOf(n.id)}
		return obj
	}
	props[models.PropBaseTypeID] = models.StringValue(models.TypeDocument)
	if n.hasBody {
		props[models.PropContentStreamLength] = models.IntValue(int64(len(n.content)))
	}
	if parentID == "" {
		parentID = n.parents[0]
	}
	obj.Paths = []string{tree.BuildChildPath(r.pathOf(parentID), n.name)}
	return obj
}

func (r *Repo) get(id string) (*node, error) {
	n, ok := r.nodes[id]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", id, models.ErrNotFound)
	}
	return n, nil
}

func (r *Repo) touch(n *node) {
	r.now = r.now.Add(time.Second)
	n.modified = r.now
}

// Root implements the repository interface.
func (r *Repo) Root(ctx context.Context) (*models.Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpRoot); err != nil {
		return nil, err
	}
	return r.object(r.nodes[r.rootID], ""), nil
}

// Children lists a folder sorted by name.
func (r *Repo) Children(ctx context.Context, folder *models.Object) ([]*models.Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpChildren); err != nil {
		return nil, err
	}
	if _, err := r.get(folder.ID); err != nil {
		return nil, err
	}
	var kids []*node
	for _, n := range r.nodes {
		if hasParent(n, folder.ID) {
			kids = append(kids, n)
		}
	}
	sort.Slice(kids, func(i, j int) bool { return kids[i].name < kids[j].name })
	out := make([]*models.Object, len(kids))
	for i, n := range kids {
		out[i] = r.object(n, folder.ID)
	}
	return out, nil
}

// Paths returns every path of obj.
func (r *Repo) Paths(ctx context.Context, obj *models.Object) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpPaths); err != nil {
		return nil, err
	}
	n, err := r.get(obj.ID)
	if err != nil {
		return nil, err
	}
	if n.folder {
		return []string{r.pathOf(n.id)}, nil
	}
	paths := make([]string, len(n.parents))
	for i, p := range n.parents {
		paths[i] = tree.BuildChildPath(r.pathOf(p), n.name)
	}
	return paths, nil
}

// ContentStream returns the document content.
func (r *Repo) ContentStream(ctx context.Context, id string) (io.ReadCloser, error) {
	r.mu.Lock()
	if err := r.begin(OpContentStream); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	n, err := r.get(id)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	data := append([]byte(nil), n.content...)
	delay := r.ContentDelay
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// SetContentStream replaces the document content.
func (r *Repo) SetContentStream(ctx context.Context, id string, content io.Reader, size int64) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpSetContentStream); err != nil {
		return err
	}
	n, err := r.get(id)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("content length %d does not match declared size %d", len(data), size)
	}
	n.content = data
	n.hasBody = true
	r.touch(n)
	return nil
}

// DeleteContentStream removes the document content.
func (r *Repo) DeleteContentStream(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpDeleteContentStream); err != nil {
		return err
	}
	n, err := r.get(id)
	if err != nil {
		return err
	}
	n.content = nil
	n.hasBody = false
	r.touch(n)
	return nil
}

func (r *Repo) create(op, parentID, name string, folder bool) (*models.Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(op); err != nil {
		return nil, err
	}
	if _, err := r.get(parentID); err != nil {
		return nil, err
	}
	if r.childNamed(parentID, name) != nil {
		return nil, fmt.Errorf("%s: %w", name, models.ErrExists)
	}
	return r.object(r.add(parentID, name, folder), parentID), nil
}

// CreateFolder creates a folder.
func (r *Repo) CreateFolder(ctx context.Context, parentID, name string) (*models.Object, error) {
	return r.create(OpCreateFolder, parentID, name, true)
}

// CreateDocument creates an empty document.
func (r *Repo) CreateDocument(ctx context.Context, parentID, name string) (*models.Object, error) {
	return r.create(OpCreateDocument, parentID, name, false)
}

// Delete removes an object. Non-empty folders are refused.
func (r *Repo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpDelete); err != nil {
		return err
	}
	n, err := r.get(id)
	if err != nil {
		return err
	}
	if n.folder {
		for _, c := range r.nodes {
			if hasParent(c, id) {
				return fmt.Errorf("folder %s not empty: %w", n.name, models.ErrConstraint)
			}
		}
	}
	delete(r.nodes, id)
	return nil
}

// Move re-files an object from source to target.
func (r *Repo) Move(ctx context.Context, id, sourceFolderID, targetFolderID string) (*models.Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpMove); err != nil {
		return nil, err
	}
	n, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if _, err := r.get(targetFolderID); err != nil {
		return nil, err
	}
	idx := -1
	for i, p := range n.parents {
		if p == sourceFolderID {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%s is not in folder %s: %w", id, sourceFolderID, models.ErrNotFound)
	}
	if r.childNamed(targetFolderID, n.name) != nil {
		return nil, fmt.Errorf("%s: %w", n.name, models.ErrExists)
	}
	n.parents[idx] = targetFolderID
	return r.object(n, targetFolderID), nil
}

// UpdateProperties applies name and modification date updates; any other
// property is stored as given.
func (r *Repo) UpdateProperties(ctx context.Context, id string, props models.Properties) (*models.Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpUpdateProperties); err != nil {
		return nil, err
	}
	n, err := r.get(id)
	if err != nil {
		return nil, err
	}
	for k, v := range props {
		switch k {
		case models.PropName:
			for _, p := range n.parents {
				if c := r.childNamed(p, v.Str); c != nil && c != n {
					return nil, fmt.Errorf("%s: %w", v.Str, models.ErrExists)
				}
			}
			n.name = v.Str
		case models.PropLastModificationDate:
			n.modified = v.Time
		default:
			if n.extra == nil {
				n.extra = models.Properties{}
			}
			n.extra[k] = v
		}
	}
	return r.object(n, ""), nil
}
