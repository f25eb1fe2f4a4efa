package stream

import (
	"bytes"
	"fmt"
)

// defaultMaxBufferSize は境界が見つからない場合に保持する最大バイト数
// これを超えたらプロトコル不一致としてストリーム失敗扱いにする
const defaultMaxBufferSize = 4 << 20

// frameParser はマルチパートストリームを境界マーカーでフレームに分割する
// 読み取り末尾の不完全なチャンクは次回のfeedまで保持し、早期に出力したり
// 黙って破棄したりはしない
type frameParser struct {
	delim  []byte // "--" + boundary
	buf    []byte
	max    int
	synced bool // 最初の境界を読み飛ばしたか
}

// newFrameParser は指定された境界文字列のパーサーを作成する
func newFrameParser(boundary string, maxBuffer int) *frameParser {
	if maxBuffer <= 0 {
		maxBuffer = defaultMaxBufferSize
	}
	return &frameParser{
		delim: []byte("--" + boundary),
		max:   maxBuffer,
	}
}

// feed は受信データを追加し、完成したフレーム本体を返す
// 境界で完全に区切られたチャンクのみをフレームとして扱う
func (p *frameParser) feed(data []byte) ([][]byte, error) {
	p.buf = append(p.buf, data...)

	var frames [][]byte
	for {
		// 先頭の境界に同期する
		if !p.synced {
			idx := bytes.Index(p.buf, p.delim)
			if idx < 0 {
				break
			}
			p.buf = p.buf[idx+len(p.delim):]
			p.synced = true
		}

		// 次の境界までが1チャンク
		idx := bytes.Index(p.buf, p.delim)
		if idx < 0 {
			break
		}

		chunk := p.buf[:idx]
		p.buf = p.buf[idx+len(p.delim):]

		if body := extractPartBody(chunk); len(body) > 0 {
			frame := make([]byte, len(body))
			copy(frame, body)
			frames = append(frames, frame)
		}
	}

	// 境界が現れないままバッファが膨らみ続ける場合はプロトコル不一致
	if len(p.buf) > p.max {
		return frames, &ConnectError{
			Reason: ReasonProtocolMismatch,
			Err:    fmt.Errorf("境界が見つからないままバッファが上限を超過: %d bytes", len(p.buf)),
		}
	}

	return frames, nil
}

// extractPartBody はマルチパートの1チャンクからヘッダー部を取り除き本体を返す
// ヘッダー区切りが見つからないチャンク（終端マーカー等）はnilを返す
func extractPartBody(chunk []byte) []byte {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(chunk, sep)
	if idx < 0 {
		return nil
	}

	body := chunk[idx+len(sep):]
	// 次の境界の直前にあるCRLFは本体に含めない
	body = bytes.TrimSuffix(body, []byte("\r\n"))
	return body
}
