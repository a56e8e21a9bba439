package tcp_test

import (
	"context"
	"testing"

	"msg-rpc/codec"
	"msg-rpc/transport/tcp"
)

func BenchmarkSerialCall(b *testing.B) {
	ln := startServer(b)
	_, proxy := dialProxy(b, ln.Addr().String())
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := getSum.Call(ctx, proxy, 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines share the multiplexed connections.
func BenchmarkConcurrentCall(b *testing.B) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		b.Run(ct.String(), func(b *testing.B) {
			ln := startServer(b, tcp.WithCodec(ct))
			_, proxy := dialProxy(b, ln.Addr().String(), tcp.WithCodec(ct), tcp.WithConns(4))
			ctx := context.Background()
			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					if _, err := getSum.Call(ctx, proxy, 1, 2); err != nil {
						b.Error(err)
						return
					}
				}
			})
		})
	}
}
