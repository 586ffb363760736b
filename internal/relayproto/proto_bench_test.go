package relayproto

import "testing"

func BenchmarkEncodeTunnelData(b *testing.B) {
	payload := make([]byte, 16*1024)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Encode(EventTunnelData, TunnelData{TunnelID: "t1", Data: EncodeData(payload)}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecodeTunnelData(b *testing.B) {
	raw, _ := Encode(EventTunnelData, TunnelData{TunnelID: "t1", Data: EncodeData(make([]byte, 16*1024))})
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f, err := Decode(raw)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := DecodeData[TunnelData](f); err != nil {
			b.Fatal(err)
		}
	}
}
