package imagery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const graphPayload = `{
	"data": [
		{
			"id": "100",
			"computed_geometry": {"type": "Point", "coordinates": [13.40495, 52.52001]},
			"thumb_1024_url": "https://example.com/thumb.jpg",
			"captured_at": 1700000000000
		},
		{
			"id": "200",
			"computed_geometry": {"type": "Point", "coordinates": []}
		}
	]
}`

func TestConfigured(t *testing.T) {
	if New("https://example.com", "", time.Second).Configured() {
		t.Fatal("client without a token must report unconfigured")
	}
	if !New("https://example.com", "tok", time.Second).Configured() {
		t.Fatal("client with a token must report configured")
	}
}

func TestImagesParsesGraphResponse(t *testing.T) {
	var gotAuth, gotIDs string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotIDs = r.URL.Query().Get("image_ids")
		_, _ = w.Write([]byte(graphPayload))
	}))
	defer server.Close()

	client := New(server.URL, "tok", time.Second)
	images, err := client.Images(context.Background(), []string{"100", "200"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}

	if gotAuth != "OAuth tok" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if gotIDs != "100,200" {
		t.Fatalf("unexpected ids parameter: %q", gotIDs)
	}
	if len(images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(images))
	}
	first := images[0]
	if first.ID != "100" || first.Longitude != 13.40495 || first.Latitude != 52.52001 {
		t.Fatalf("unexpected image: %+v", first)
	}
	if first.ThumbURL != "https://example.com/thumb.jpg" || first.CapturedAt != 1700000000000 {
		t.Fatalf("unexpected image detail: %+v", first)
	}
	// Missing coordinates stay at the zero value rather than failing the batch.
	if images[1].Longitude != 0 || images[1].Latitude != 0 {
		t.Fatalf("unexpected coordinates for image without geometry: %+v", images[1])
	}
}

func TestImagesEmptyBatch(t *testing.T) {
	client := New("https://example.com", "tok", time.Second)
	images, err := client.Images(context.Background(), nil)
	if err != nil || images != nil {
		t.Fatalf("empty batch should be a no-op, got %v err=%v", images, err)
	}
}

func TestImagesUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	client := New(server.URL, "tok", time.Second)
	if _, err := client.Images(context.Background(), []string{"100"}); err == nil {
		t.Fatal("upstream error must propagate")
	}
}

func TestImagesHonorsContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := New(server.URL, "tok", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.Images(ctx, []string{"100"})
	if err == nil {
		t.Fatal("cancelled lookup must fail")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
