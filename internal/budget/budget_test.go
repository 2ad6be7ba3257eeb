package budget

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrono-downloader/chrono/internal/config"
)

func TestClassForExt(t *testing.T) {
	tests := []struct {
		ext  string
		want Class
	}{
		{".jpg", ClassImages},
		{".JPEG", ClassImages},
		{".jp2", ClassImages},
		{".png", ClassImages},
		{".json", ClassMetadata},
		{".pdf", ClassPDFs},
		{".epub", ClassPDFs},
		{".txt", ClassPDFs},
		{"", ClassPDFs},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassForExt(tt.ext), "ext %q", tt.ext)
	}

	assert.Equal(t, ClassImages, ClassForFilename("page_0001.jpg"))
	assert.Equal(t, ClassMetadata, ClassForFilename("work.json"))
}

func TestUnlimitedByDefault(t *testing.T) {
	a := New(config.LimitSettings{})

	assert.True(t, a.Allow(ClassImages, "w1", 10<<30))
	assert.True(t, a.AddBytes(ClassPDFs, "w1", 50<<30))
	assert.False(t, a.Exhausted())
}

func TestGlobalLimit(t *testing.T) {
	a := New(config.LimitSettings{
		Total: config.TotalLimits{PDFsGB: 1},
	})

	require.True(t, a.AddBytes(ClassPDFs, "w1", 1<<29)) // 0.5 GB
	require.True(t, a.AddBytes(ClassPDFs, "w2", 1<<29)) // 1.0 GB exactly
	assert.False(t, a.Allow(ClassPDFs, "w3", 1), "limit is inclusive")

	// Other classes are untouched.
	assert.True(t, a.Allow(ClassImages, "w3", 1<<30))
}

func TestPerWorkLimit(t *testing.T) {
	a := New(config.LimitSettings{
		PerWork: config.PerWorkLimits{MetadataMB: 1},
	})

	require.True(t, a.AddBytes(ClassMetadata, "w1", 1<<20))
	assert.False(t, a.Allow(ClassMetadata, "w1", 1))
	// A different work has its own allowance.
	assert.True(t, a.Allow(ClassMetadata, "w2", 1<<20))
}

func TestStopPolicyLatches(t *testing.T) {
	a := New(config.LimitSettings{
		Total:    config.TotalLimits{ImagesGB: 1},
		OnExceed: "stop",
	})

	require.True(t, a.AddBytes(ClassImages, "w1", 1<<30))
	assert.False(t, a.Exhausted())

	assert.False(t, a.Allow(ClassImages, "w1", 1))
	assert.True(t, a.Exhausted(), "stop policy latches on a rejected check")
}

func TestSkipPolicyDoesNotLatch(t *testing.T) {
	a := New(config.LimitSettings{
		Total: config.TotalLimits{ImagesGB: 1},
	})

	require.True(t, a.AddBytes(ClassImages, "w1", 1<<30))
	assert.False(t, a.Allow(ClassImages, "w1", 1))
	assert.False(t, a.Exhausted())

	// Other classes still proceed under skip.
	assert.True(t, a.AddBytes(ClassPDFs, "w1", 1<<20))
}

func TestAddBytesRejectsWithoutRecording(t *testing.T) {
	a := New(config.LimitSettings{
		Total: config.TotalLimits{PDFsGB: 1},
	})

	require.True(t, a.AddBytes(ClassPDFs, "w1", 1<<30))
	before := a.Totals()[ClassPDFs]

	assert.False(t, a.AddBytes(ClassPDFs, "w1", 1))
	assert.Equal(t, before, a.Totals()[ClassPDFs])
}

func TestRelease(t *testing.T) {
	a := New(config.LimitSettings{})
	a.Record(ClassImages, "w1", 100)
	a.Release(ClassImages, "w1", 40)

	assert.Equal(t, int64(60), a.Totals()[ClassImages])
	assert.Equal(t, int64(60), a.WorkTotals("w1")[ClassImages])

	// Over-release clamps to zero rather than going negative.
	a.Release(ClassImages, "w1", 1000)
	assert.Equal(t, int64(0), a.Totals()[ClassImages])
}

func TestPerWorkSumsMatchGlobal(t *testing.T) {
	a := New(config.LimitSettings{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			workID := fmt.Sprintf("w%d", i)
			for j := 0; j < 100; j++ {
				a.AddBytes(ClassPDFs, workID, 7)
				a.Record(ClassImages, workID, 3)
			}
		}(i)
	}
	wg.Wait()

	totals := a.Totals()
	assert.Equal(t, int64(8*100*7), totals[ClassPDFs])
	assert.Equal(t, int64(8*100*3), totals[ClassImages])

	var pdfSum, imgSum int64
	for i := 0; i < 8; i++ {
		wt := a.WorkTotals(fmt.Sprintf("w%d", i))
		pdfSum += wt[ClassPDFs]
		imgSum += wt[ClassImages]
	}
	assert.Equal(t, totals[ClassPDFs], pdfSum)
	assert.Equal(t, totals[ClassImages], imgSum)
}
