package offline

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type capturedRequest struct {
	path        string
	authHeader  string
	contentType string
	body        []byte
}

func TestApiCreateProduct(t *testing.T) {
	productId := NewId()
	captured := make(chan *capturedRequest, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured <- &capturedRequest{
			path:        r.URL.Path,
			authHeader:  r.Header.Get("Authorization"),
			contentType: r.Header.Get("Content-Type"),
			body:        body,
		}
		json.NewEncoder(w).Encode(&CreateProductResult{
			ProductId: &productId,
		})
	}))
	defer server.Close()

	api := NewMarketdayApi(server.URL)
	defer api.Close()
	api.SetByJwt("test-jwt")

	result, err := api.CreateProductSync(&CreateProductArgs{
		Name:       "tomatoes",
		PriceCents: 450,
		Quantity:   10,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Error, nil)
	assert.NotEqual(t, result.ProductId, nil)
	assert.Equal(t, *result.ProductId, productId)

	request := <-captured
	assert.Equal(t, request.path, "/product/create")
	assert.Equal(t, request.authHeader, "Bearer test-jwt")
	assert.Equal(t, request.contentType, "text/json")

	args := &CreateProductArgs{}
	assert.Equal(t, json.Unmarshal(request.body, args), nil)
	assert.Equal(t, args.Name, "tomatoes")
	assert.Equal(t, args.PriceCents, int64(450))
	assert.Equal(t, args.Quantity, 10)
}

func TestApiErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session expired", http.StatusUnauthorized)
	}))
	defer server.Close()

	api := NewMarketdayApi(server.URL)
	defer api.Close()

	_, err := api.GetProductsSync()
	assert.NotEqual(t, err, nil)
	// the response body becomes the error message
	assert.Equal(t, err.Error(), "session expired")
}

func TestApiBlockingCallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&ToggleFavoriteResult{
			Saved:   true,
			Success: true,
		})
	}))
	defer server.Close()

	api := NewMarketdayApi(server.URL)
	defer api.Close()

	callback, channel := NewBlockingApiCallback[*ToggleFavoriteResult]()
	api.ToggleFavorite(&ToggleFavoriteArgs{
		ProductId: NewId(),
	}, callback)

	select {
	case result := <-channel:
		assert.Equal(t, result.Error, nil)
		assert.Equal(t, result.Result.Saved, true)
		assert.Equal(t, result.Result.Success, true)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
}

func TestApiProbeChannel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// any response proves liveness, an error status included
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}))

	api := NewMarketdayApi(server.URL)
	defer api.Close()
	assert.Equal(t, api.ProbeChannel(1*time.Second), true)

	server.Close()
	assert.Equal(t, api.ProbeChannel(200*time.Millisecond), false)
}

func TestApiUploadAsset(t *testing.T) {
	type upload struct {
		kind     string
		fileName string
		content  []byte
	}
	uploads := make(chan *upload, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(mib(32)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		content, _ := io.ReadAll(file)
		uploads <- &upload{
			kind:     r.FormValue("kind"),
			fileName: header.Filename,
			content:  content,
		}
		json.NewEncoder(w).Encode(&UploadAssetResult{
			Url: "https://cdn.marketday.app/assets/photo.jpg",
		})
	}))
	defer server.Close()

	localPath := filepath.Join(t.TempDir(), "photo.jpg")
	assert.Equal(t, os.WriteFile(localPath, []byte("fake image bytes"), 0600), nil)

	api := NewMarketdayApi(server.URL)
	defer api.Close()

	result, err := api.UploadAssetSync(&UploadAssetArgs{
		LocalPath: localPath,
		Kind:      "product_photo",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Error, nil)
	assert.Equal(t, result.Url, "https://cdn.marketday.app/assets/photo.jpg")

	uploaded := <-uploads
	assert.Equal(t, uploaded.kind, "product_photo")
	assert.Equal(t, uploaded.fileName, "photo.jpg")
	assert.Equal(t, uploaded.content, []byte("fake image bytes"))

	// a missing file fails before any request
	_, err = api.UploadAssetSync(&UploadAssetArgs{
		LocalPath: filepath.Join(t.TempDir(), "missing.jpg"),
		Kind:      "product_photo",
	})
	assert.NotEqual(t, err, nil)
}

func TestApiUploadAssetTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("oversize upload must not reach the server")
	}))
	defer server.Close()

	localPath := filepath.Join(t.TempDir(), "huge.jpg")
	assert.Equal(t, os.WriteFile(localPath, make([]byte, int(mib(16))+1), 0600), nil)

	api := NewMarketdayApi(server.URL)
	defer api.Close()

	_, err := api.UploadAssetSync(&UploadAssetArgs{
		LocalPath: localPath,
		Kind:      "product_photo",
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, IsValidationError(err), true)
}
