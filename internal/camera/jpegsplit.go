package camera

import "bytes"

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// jpegSplitter は image2pipe の連続したバイト列をJPEGフレーム単位に分割する
type jpegSplitter struct {
	buf []byte
}

// Feed はデータを追加し、完成したフレームを返す
func (s *jpegSplitter) Feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var frames [][]byte
	for {
		// JPEGの開始マーカー（FF D8）を探す
		start := bytes.Index(s.buf, jpegSOI)
		if start == -1 {
			// マーカーの途中で切れている可能性があるので末尾の FF だけ残す
			if n := len(s.buf); n > 0 && s.buf[n-1] == 0xFF {
				s.buf = append(s.buf[:0], 0xFF)
			} else {
				s.buf = s.buf[:0]
			}
			return frames
		}

		// JPEGの終了マーカー（FF D9）を探す
		end := bytes.Index(s.buf[start+2:], jpegEOI)
		if end == -1 {
			if start > 0 {
				s.buf = append(s.buf[:0], s.buf[start:]...)
			}
			return frames
		}
		end += start + 2 + 2 // マーカーのサイズを含める

		frame := make([]byte, end-start)
		copy(frame, s.buf[start:end])
		frames = append(frames, frame)

		s.buf = append(s.buf[:0], s.buf[end:]...)
	}
}
