package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// defaultMaxBodyBytes 請求內容的預設大小上限
const defaultMaxBodyBytes = 64 << 10

// ReachLimitError 表示請求內容超過大小上限
type ReachLimitError struct {
	MaxBytes int64
}

func (e *ReachLimitError) Error() string {
	return fmt.Sprintf("reach limit of %s", formatBytes(e.MaxBytes))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d bytes", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 3; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGT"[exp])
}

// newMaxSizeReader 限制讀取的最大長度，超過時返回 ReachLimitError
func newMaxSizeReader(r io.ReadCloser, maxSize int64) io.ReadCloser {
	return &maxSizeReader{r, maxSize, maxSize}
}

type maxSizeReader struct {
	reader io.ReadCloser
	i      int64 // 限制的總長度
	n      int64 // 還可以讀取的長度
}

func (r *maxSizeReader) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	// 只需要多讀一個位元組就能判斷是否超過上限
	if int64(len(p)) > r.n+1 {
		p = p[:r.n+1]
	}
	n, err = r.reader.Read(p)
	if int64(n) <= r.n {
		r.n -= int64(n)
		return n, err
	}

	n = int(r.n)
	r.n = 0
	return n, &ReachLimitError{r.i}
}

func (r *maxSizeReader) Close() error {
	return r.reader.Close()
}

// limitBody 限制請求內容的大小，超過時綁定請求會得到 ReachLimitError
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil && c.Request.Body != http.NoBody {
			c.Request.Body = newMaxSizeReader(c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
