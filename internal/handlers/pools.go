package handlers

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog/log"
)

// maxPoolBufferCap bounds how large a buffer this package will keep around.
// bytes.Buffer.Reset() only resets length, not capacity, so a buffer that
// grew to hold one huge extracted page would otherwise sit in the pool at
// that size forever; buffers past this are left for the GC instead.
const maxPoolBufferCap = 64 * 1024

// jsonBufferPool holds buffers sized for decoding an incoming extract
// request body, reused across requests to cut GC pressure under load.
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

func getBuffer() *bytes.Buffer {
	v := jsonBufferPool.Get()
	buf, ok := v.(*bytes.Buffer)
	if !ok {
		log.Warn().Interface("got_type", v).Msg("unexpected type from json buffer pool")
		return bytes.NewBuffer(make([]byte, 0, 4096))
	}
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPoolBufferCap {
		return
	}
	buf.Reset()
	jsonBufferPool.Put(buf)
}

// responseBufferPool holds buffers sized for encoding an extract response -
// larger than jsonBufferPool's since an Artifact's Text/HTML can be sizable.
var responseBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 8192))
	},
}

func getResponseBuffer() *bytes.Buffer {
	v := responseBufferPool.Get()
	buf, ok := v.(*bytes.Buffer)
	if !ok {
		log.Warn().Interface("got_type", v).Msg("unexpected type from response buffer pool")
		return bytes.NewBuffer(make([]byte, 0, 8192))
	}
	return buf
}

func putResponseBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPoolBufferCap {
		return
	}
	buf.Reset()
	responseBufferPool.Put(buf)
}
