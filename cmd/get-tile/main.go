package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/Amund211/tilestream/internal/adapters/transport"
	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/ratelimiting"
)

const defaultTileURL = "https://tile.openstreetmap.org/{z}/{x}/{y}.png"

// get-tile fetches a single tile the way the engine would and prints what the
// server said about it. Usage: get-tile z x y [etag]
func main() {
	if len(os.Args) < 4 {
		log.Fatal("Usage: get-tile z x y [etag]")
	}

	coords := make([]int, 3)
	for i, arg := range os.Args[1:4] {
		value, err := strconv.Atoi(arg)
		if err != nil {
			log.Fatalf("Invalid tile coordinate %q: %v", arg, err)
		}
		coords[i] = value
	}

	dataset := os.Getenv("TILESTREAM_DATASET")
	if dataset == "" {
		dataset = "osm"
	}
	tileURL := os.Getenv("TILESTREAM_TILE_URL")
	if tileURL == "" {
		tileURL = defaultTileURL
	}

	tile, err := domain.NewTileID(coords[0], coords[1], coords[2], dataset)
	if err != nil {
		log.Fatalf("Invalid tile: %v", err)
	}

	etag := ""
	if len(os.Args) > 4 {
		etag = os.Args[4]
	}

	httpTransport := transport.NewHTTP(transport.NewInstrumentedClient(), ratelimiting.NewUnlimited(), "tilestream-get-tile/0.1", time.Now)
	defer httpTransport.Close()

	done := make(chan transport.Response, 1)
	httpTransport.Request(context.Background(), transport.Request{
		URI:     tile.URL(tileURL),
		ETag:    etag,
		Timeout: 30 * time.Second,
	}, func(resp transport.Response) {
		done <- resp
	})
	resp := <-done

	fmt.Println("tile:", tile)
	fmt.Println("status:", resp.StatusCode)
	fmt.Println("not modified:", resp.NotModified)
	fmt.Println("etag:", resp.ETag)
	if !resp.ExpiresAt.IsZero() {
		fmt.Println("expires:", resp.ExpiresAt.Format(time.RFC3339), "in", time.Until(resp.ExpiresAt).Round(time.Second))
	}
	fmt.Println("bytes:", len(resp.Data))
	if resp.Err != nil {
		log.Fatalf("Request failed: %v", resp.Err)
	}
}
