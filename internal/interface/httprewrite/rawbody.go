package httprewrite

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/html/charset"

	"protero/internal/domain"
)

// ErrUnsupportedEncoding は復号できない Content-Encoding を表す.
var ErrUnsupportedEncoding = errors.New("unsupported encoding")

// Decode はレスポンスボディを伸長し UTF-8 に変換したストリームに置き換える.
// 変換が不要なボディはそのまま残す. 失敗した場合もボディとヘッダーは元のまま.
func Decode(res *domain.Response) error {
	reader, mimeType, decoded, err := rawBodyReader(res)
	if err != nil {
		return fmt.Errorf("get raw body reader: %v", err)
	}
	if !decoded {
		return nil
	}

	res.Body = domain.NewStreamBody(reader, -1)
	res.Header.Del("Content-Length")
	res.Header.Del("Content-Encoding")
	res.Header.Set("Content-Type", fmt.Sprintf("%s; charset=utf-8", mimeType))
	return nil
}

// BufferRewrite はボディを復号して読み込み, processor の結果でボディを置き換える.
func BufferRewrite(res *domain.Response, processor func(src []byte) []byte) error {
	if err := Decode(res); err != nil {
		return err
	}

	raw, err := domain.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read body: %v", err)
	}

	processed := processor(raw)
	res.Body = domain.BufferBody(processed)
	res.Header.Del("Content-Length")
	res.Header.Del("Content-Encoding")
	return nil
}

// StreamRewrite はボディを復号し, processor が dst に書き出した内容をボディとする.
// processor は src と dst を閉じる責任を持つ.
func StreamRewrite(res *domain.Response, processor func(src io.ReadCloser, dst *io.PipeWriter)) error {
	if err := Decode(res); err != nil {
		return err
	}

	src := res.Body.Reader()
	reader, writer := io.Pipe()
	go processor(src, writer)

	res.Body = domain.NewStreamBody(reader, -1)
	res.Header.Del("Content-Length")
	res.Header.Del("Content-Encoding")
	return nil
}

// rawBodyReader は圧縮と文字コードを解いたボディのリーダーを返す.
// decoded が false の場合ボディは変換不要.
func rawBodyReader(res *domain.Response) (body io.ReadCloser, mimeType string, decoded bool, err error) {
	encoding := strings.TrimSpace(res.Header.Get("Content-Encoding"))
	contentType := res.Header.Get("Content-Type")
	mimeType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mimeType = "text/plain"
	}

	// charset 指定なしは UTF-8 とみなす
	charsetParam := strings.ToLower(params["charset"])
	if (encoding == "" || strings.EqualFold(encoding, "identity")) && (charsetParam == "utf-8" || charsetParam == "") {
		return nil, mimeType, false, nil
	}
	if domain.IsEmpty(res.Body) {
		return nil, mimeType, false, nil
	}

	// 復号器の生成で読み進めた分は失敗時に戻す
	length := res.Body.Len()
	src := res.Body.Reader()
	rec := &rewindReader{r: src}
	restore := func() {
		res.Body = domain.NewStreamBody(&readCloser{rec.rewind(), src}, length)
	}

	decompressed, err := decompressReader(io.NopCloser(rec), encoding)
	if err != nil {
		restore()
		return nil, "", false, fmt.Errorf("create decompressed reader for encoding %q: %v", encoding, err)
	}

	if charsetParam == "" {
		contentType = mimeType + "; charset=utf-8"
	}
	if !strings.HasPrefix(mimeType, "text/") && !isTextual(mimeType) {
		// バイナリは伸長のみ
		rec.commit()
		return &readCloser{decompressed, &multiCloser{[]io.Closer{decompressed, src}}}, mimeType, true, nil
	}

	decodedReader, err := charset.NewReader(decompressed, contentType)
	if err != nil {
		decompressed.Close()
		restore()
		return nil, "", false, fmt.Errorf("create decoded reader for content type %q: %v", contentType, err)
	}

	rec.commit()
	return &readCloser{decodedReader, &multiCloser{[]io.Closer{decompressed, src}}}, mimeType, true, nil
}

// rewindReader は commit されるまで読み出したバイトを記録する
type rewindReader struct {
	mu        sync.Mutex
	r         io.Reader
	buf       bytes.Buffer
	committed bool
}

func (rr *rewindReader) Read(p []byte) (int, error) {
	n, err := rr.r.Read(p)
	rr.mu.Lock()
	if !rr.committed {
		rr.buf.Write(p[:n])
	}
	rr.mu.Unlock()
	return n, err
}

// commit は記録をやめて記録済みのバイトを捨てる
func (rr *rewindReader) commit() {
	rr.mu.Lock()
	rr.committed = true
	rr.buf = bytes.Buffer{}
	rr.mu.Unlock()
}

// rewind は記録済みのバイトに続けて残りを読むリーダーを返す
func (rr *rewindReader) rewind() io.Reader {
	rr.mu.Lock()
	rr.committed = true
	consumed := rr.buf.Bytes()
	rr.mu.Unlock()
	return io.MultiReader(bytes.NewReader(consumed), rr.r)
}

func isTextual(mimeType string) bool {
	switch mimeType {
	case "application/json", "application/javascript", "application/xml", "application/xhtml+xml":
		return true
	}
	return strings.HasSuffix(mimeType, "+json") || strings.HasSuffix(mimeType, "+xml")
}

// decompressReader は指定アルゴリズムで伸長する. 多重エンコードは扱わない.
func decompressReader(reader io.ReadCloser, alg string) (io.ReadCloser, error) {
	switch strings.ToLower(alg) {
	case "gzip", "x-gzip":
		gzipReader, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %v", err)
		}
		return gzipReader, nil
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return io.NopCloser(brotli.NewReader(reader)), nil
	case "zstd":
		zstdReader, err := zstd.NewReader(reader, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %v", err)
		}
		return &zstdCloser{zstdReader}, nil
	case "", "identity":
		return reader, nil
	default:
		return nil, ErrUnsupportedEncoding
	}
}

type zstdCloser struct {
	*zstd.Decoder
}

func (z *zstdCloser) Close() error {
	z.Decoder.Close()
	return nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// multiCloser は複数の io.Closer を順に閉じる
type multiCloser struct {
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var result *multierror.Error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
