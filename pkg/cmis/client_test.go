package cmis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fruitsalade/cmisfs/pkg/models"
	"github.com/fruitsalade/cmisfs/pkg/retry"
)

// prop builds a non-succinct browser binding property.
func prop(id, typ string, value interface{}) map[string]interface{} {
	return map[string]interface{}{"id": id, "type": typ, "cardinality": "single", "value": value}
}

func folderJSON(id, name, path string) map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"cmis:objectId":   prop("cmis:objectId", "id", id),
			"cmis:name":       prop("cmis:name", "string", name),
			"cmis:baseTypeId": prop("cmis:baseTypeId", "id", "cmis:folder"),
			"cmis:path":       prop("cmis:path", "string", path),
		},
	}
}

func documentJSON(id, name string, length int64) map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"cmis:objectId":                prop("cmis:objectId", "id", id),
			"cmis:name":                    prop("cmis:name", "string", name),
			"cmis:baseTypeId":              prop("cmis:baseTypeId", "id", "cmis:document"),
			"cmis:contentStreamLength":     prop("cmis:contentStreamLength", "integer", length),
			"cmis:lastModificationDate":    prop("cmis:lastModificationDate", "datetime", int64(1700000000000)),
			"cmis:secondaryObjectTypeIds": map[string]interface{}{
				"id": "cmis:secondaryObjectTypeIds", "type": "id", "cardinality": "multi",
				"value": []string{"a", "b"},
			},
		},
	}
}

// testServer serves a service document at /browser and routes requests on
// the root folder URL to rootHandler.
func testServer(t *testing.T, rootHandler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/browser", func(w http.ResponseWriter, r *http.Request) {
		base := "http://" + r.Host + "/browser/repo"
		json.NewEncoder(w).Encode(map[string]interface{}{
			"repo": map[string]interface{}{
				"repositoryId":   "repo",
				"repositoryName": "Test Repository",
				"productName":    "TestCMIS",
				"productVersion": "1.0",
				"rootFolderId":   "root-id",
				"repositoryUrl":  base,
				"rootFolderUrl":  base + "/root",
			},
		})
	})
	mux.HandleFunc("/browser/repo/root", rootHandler)
	ts := httptest.NewServer(mux)

	c := New(Config{
		URL: ts.URL + "/browser",
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
	return c, ts
}

func TestConnect_SelectsRepository(t *testing.T) {
	c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {})
	defer ts.Close()

	info, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.ID != "repo" || info.RootFolderID != "root-id" {
		t.Errorf("unexpected info: %+v", info)
	}
	if !strings.HasSuffix(info.RootFolderURL, "/browser/repo/root") {
		t.Errorf("RootFolderURL = %q", info.RootFolderURL)
	}
}

func TestConnect_UnknownRepository(t *testing.T) {
	c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {})
	defer ts.Close()
	c.cfg.RepositoryID = "other"

	if _, err := c.Connect(context.Background()); !errors.Is(err, ErrNoRepository) {
		t.Errorf("err = %v, want ErrNoRepository", err)
	}
}

func TestRoot(t *testing.T) {
	c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("objectId") != "root-id" || r.URL.Query().Get("cmisselector") != "object" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(folderJSON("root-id", "", "/"))
	})
	defer ts.Close()

	root, err := c.Root(context.Background())
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if !root.IsFolder() || root.Path() != "/" || root.ID != "root-id" {
		t.Errorf("unexpected root: %+v", root)
	}
}

func TestChildren_FollowsPaging(t *testing.T) {
	var calls int32
	c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("cmisselector") != "children" || q.Get("includePathSegment") != "true" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		atomic.AddInt32(&calls, 1)
		if q.Get("skipCount") == "0" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"objects": []interface{}{
					map[string]interface{}{"object": folderJSON("f1", "sub", "/a/sub"), "pathSegment": "sub"},
				},
				"hasMoreItems": true,
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"objects": []interface{}{
				map[string]interface{}{"object": documentJSON("d1", "x.txt", 5), "pathSegment": "x.txt"},
			},
			"hasMoreItems": false,
		})
	})
	defer ts.Close()

	folder := &models.Object{ID: "a-id", Kind: models.KindFolder, Paths: []string{"/a"}}
	children, err := c.Children(context.Background(), folder)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 page requests, got %d", calls)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	if children[0].Path() != "/a/sub" || !children[0].IsFolder() {
		t.Errorf("folder child = %+v", children[0])
	}
	doc := children[1]
	if doc.Path() != "/a/x.txt" || doc.IsFolder() || doc.Size() != 5 {
		t.Errorf("document child = %+v", doc)
	}
	if !doc.ModTime().Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("ModTime = %v", doc.ModTime())
	}
	v, ok := doc.Properties.Get("cmis:secondaryObjectTypeIds")
	if !ok || len(v.List) != 2 {
		t.Errorf("multi-valued property = %+v, %v", v, ok)
	}
}

func TestPaths_NormalizesRootParent(t *testing.T) {
	c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("cmisselector") != "parents" || q.Get("includeRelativePathSegment") != "true" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]interface{}{
			map[string]interface{}{"object": folderJSON("root-id", "", "/"), "relativePathSegment": "x.txt"},
			map[string]interface{}{"object": folderJSON("b-id", "b", "/b"), "relativePathSegment": "x.txt"},
		})
	})
	defer ts.Close()

	doc := &models.Object{ID: "d1", Name: "x.txt", Kind: models.KindDocument}
	paths, err := c.Paths(context.Background(), doc)
	if err != nil {
		t.Fatalf("Paths: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/x.txt" || paths[1] != "/b/x.txt" {
		t.Errorf("paths = %v", paths)
	}
}

func TestContentStream(t *testing.T) {
	c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cmisselector") != "content" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Write([]byte("hello world"))
	})
	defer ts.Close()

	rc, err := c.ContentStream(context.Background(), "d1")
	if err != nil {
		t.Fatalf("ContentStream: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello world" {
		t.Errorf("content = %q", data)
	}
}

func TestSetContentStream_Multipart(t *testing.T) {
	var gotAction, gotOverwrite, gotContent, gotObject string
	c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		gotObject = r.URL.Query().Get("objectId")
		gotAction = r.FormValue("cmisaction")
		gotOverwrite = r.FormValue("overwriteFlag")
		f, _, err := r.FormFile("content")
		if err == nil {
			data, _ := io.ReadAll(f)
			gotContent = string(data)
		}
		w.WriteHeader(http.StatusCreated)
	})
	defer ts.Close()

	if err := c.SetContentStream(context.Background(), "d1", strings.NewReader("new body"), 8); err != nil {
		t.Fatalf("SetContentStream: %v", err)
	}
	if gotObject != "d1" || gotAction != "setContent" || gotOverwrite != "true" || gotContent != "new body" {
		t.Errorf("got object=%q action=%q overwrite=%q content=%q", gotObject, gotAction, gotOverwrite, gotContent)
	}
}

func TestMoveAndCreate_FormFields(t *testing.T) {
	var forms []map[string]string
	c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		f := map[string]string{"objectId": r.URL.Query().Get("objectId")}
		for k := range r.PostForm {
			f[k] = r.PostForm.Get(k)
		}
		forms = append(forms, f)
		json.NewEncoder(w).Encode(folderJSON("new-id", "n", "/b/n"))
	})
	defer ts.Close()
	ctx := context.Background()

	if _, err := c.Move(ctx, "x-id", "a-id", "b-id"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	obj, err := c.CreateFolder(ctx, "b-id", "n")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if obj.ID != "new-id" || obj.Path() != "/b/n" {
		t.Errorf("created = %+v", obj)
	}

	move := forms[0]
	if move["objectId"] != "x-id" || move["cmisaction"] != "move" || move["sourceId"] != "a-id" || move["targetId"] != "b-id" {
		t.Errorf("move form = %v", move)
	}
	create := forms[1]
	if create["objectId"] != "b-id" || create["cmisaction"] != "createFolder" ||
		create["propertyId[0]"] != "cmis:name" || create["propertyValue[0]"] != "n" ||
		create["propertyId[1]"] != "cmis:objectTypeId" || create["propertyValue[1]"] != "cmis:folder" {
		t.Errorf("create form = %v", create)
	}
}

func TestUpdateProperties_DateTimeAsMillis(t *testing.T) {
	var form map[string][]string
	c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		form = r.PostForm
		json.NewEncoder(w).Encode(documentJSON("d1", "x.txt", 0))
	})
	defer ts.Close()

	mtime := time.UnixMilli(1600000000123)
	_, err := c.UpdateProperties(context.Background(), "d1", models.Properties{
		models.PropLastModificationDate: models.TimeValue(mtime),
	})
	if err != nil {
		t.Fatalf("UpdateProperties: %v", err)
	}
	if got := form["propertyValue[0]"]; len(got) != 1 || got[0] != "1600000000123" {
		t.Errorf("propertyValue[0] = %v", got)
	}
	if got := form["cmisaction"]; len(got) != 1 || got[0] != "update" {
		t.Errorf("cmisaction = %v", got)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"objectNotFound", 404, `{"exception":"objectNotFound","message":"gone"}`, ErrNotFound},
		{"bare 404", 404, ``, ErrNotFound},
		{"name clash", 409, `{"exception":"nameConstraintViolation","message":"exists"}`, ErrExists},
		{"constraint", 409, `{"exception":"constraint","message":"no"}`, ErrConstraint},
		{"notSupported", 405, `{"exception":"notSupported"}`, ErrNotSupported},
		{"denied", 403, `{"exception":"permissionDenied"}`, ErrPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			defer ts.Close()

			err := c.Delete(context.Background(), "x")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			var cerr *Error
			if !errors.As(err, &cerr) || cerr.Status != tt.status {
				t.Errorf("expected *Error with status %d, got %v", tt.status, err)
			}
		})
	}
}

func TestReadsRetryServerErrors(t *testing.T) {
	var calls int32
	c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(documentJSON("d1", "x.txt", 1))
	})
	defer ts.Close()

	obj, err := c.Object(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	if obj.ID != "d1" || atomic.LoadInt32(&calls) != 3 {
		t.Errorf("obj=%v calls=%d", obj.ID, calls)
	}
}

func TestMutationsAreNotRetried(t *testing.T) {
	var calls int32
	c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer ts.Close()

	if err := c.DeleteContentStream(context.Background(), "d1"); err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 request, got %d", got)
	}
}

func TestAuthHeaders(t *testing.T) {
	var gotAuth string
	c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(documentJSON("d1", "x", 0))
	})
	defer ts.Close()
	ctx := context.Background()

	c.cfg.Credentials = Credentials{User: "alice", Password: "secret"}
	if _, err := c.Object(ctx, "d1"); err != nil {
		t.Fatalf("Object: %v", err)
	}
	if !strings.HasPrefix(gotAuth, "Basic ") {
		t.Errorf("expected basic auth, got %q", gotAuth)
	}

	c.SetAuthToken("tok")
	if _, err := c.Object(ctx, "d1"); err != nil {
		t.Fatalf("Object: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
}

func TestIsOnline(t *testing.T) {
	c, ts := testServer(t, func(w http.ResponseWriter, r *http.Request) {})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !c.IsOnline() {
		t.Error("expected online after successful ping")
	}
	ts.Close()

	c.retryConfig.MaxAttempts = 1
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail after server shutdown")
	}
	if c.IsOnline() {
		t.Error("expected offline after failed ping")
	}
}
