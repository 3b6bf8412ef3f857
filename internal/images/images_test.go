package images

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTestImage(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestPoolApply(t *testing.T) {
	applied := 0
	var mu sync.Mutex
	filter := func(data []byte, preset string) ([]byte, error) {
		mu.Lock()
		applied++
		mu.Unlock()
		return append([]byte(preset+":"), data...), nil
	}

	pool := NewPool(4, 2, filter)
	pool.Start()
	defer pool.Stop()

	out, err := pool.Apply(context.Background(), []byte("raw"), "kodachrome")
	require.NoError(t, err)
	assert.Equal(t, []byte("kodachrome:raw"), out)

	mu.Lock()
	assert.Equal(t, 1, applied)
	mu.Unlock()

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Succeeded)
}

func TestPoolApplyError(t *testing.T) {
	filter := func(data []byte, preset string) ([]byte, error) {
		return nil, errors.New("bad preset")
	}

	pool := NewPool(1, 1, filter)
	pool.Start()
	defer pool.Stop()

	_, err := pool.Apply(context.Background(), []byte("raw"), "broken")
	assert.Error(t, err)
	assert.Equal(t, 1, pool.Stats().Failed)
}

func TestPoolApplyConcurrent(t *testing.T) {
	filter := func(data []byte, preset string) ([]byte, error) {
		time.Sleep(5 * time.Millisecond)
		return data, nil
	}

	pool := NewPool(8, 4, filter)
	pool.Start()
	defer pool.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Apply(context.Background(), []byte("x"), "p")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, pool.Stats().Processed)
}

func TestPoolApplyCancelled(t *testing.T) {
	block := make(chan struct{})
	filter := func(data []byte, preset string) ([]byte, error) {
		<-block
		return data, nil
	}

	pool := NewPool(1, 1, filter)
	pool.Start()
	defer func() {
		close(block)
		pool.Stop()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := pool.Apply(ctx, []byte("x"), "p")
	assert.Error(t, err)
}

func TestIdentityFilter(t *testing.T) {
	out, err := Identity([]byte("bytes"), "any")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), out)
}

func TestThumbnailScalesDown(t *testing.T) {
	data := encodeTestImage(t, 1200, 900)

	thumb, err := Thumbnail(data, 320)
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 240, img.Bounds().Dy(), "aspect ratio preserved")
}

func TestThumbnailSmallImageNotUpscaled(t *testing.T) {
	data := encodeTestImage(t, 100, 80)

	thumb, err := Thumbnail(data, 320)
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
}

func TestThumbnailRejectsGarbage(t *testing.T) {
	_, err := Thumbnail([]byte("not an image"), 320)
	assert.Error(t, err)
}
