package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleStatus はプロキシの状態スナップショットを返す
func (s *Server) handleStatus(c *gin.Context) {
	if s.proxy == nil || !s.proxy.Initialized() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_initialized",
			"message": "カメラプロキシは初期化されていません",
		})
		return
	}

	c.JSON(http.StatusOK, s.proxy.Status())
}

// handleIndex はルートパスのハンドラ（簡単な確認用ビューワー）
func (s *Server) handleIndex(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, `<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>Chukei - カメラ中継プロキシ</title>
</head>
<body>
    <h1>Chukei カメラ中継プロキシ</h1>
    <img src="/camera" alt="カメラ映像" />
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`)
}

// handleCameraStream はビューワーをマルチパートストリームとして受け入れる
// 接続はClientRegistryに登録され、以降のフレームのみが配信される
func (s *Server) handleCameraStream(c *gin.Context) {
	if s.proxy == nil || !s.proxy.Initialized() {
		c.String(http.StatusServiceUnavailable, "カメラプロキシは初期化されていません")
		return
	}

	// 不透明トークンの検証は外部コラボレーターへ委譲する
	if s.authorize != nil && !s.authorize(c.Query("token")) {
		c.String(http.StatusUnauthorized, "認可されていません")
		return
	}

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := s.registry.Attach(c.ClientIP())

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	// ストリーミングループ
	for {
		select {
		case <-clientGone:
			// クライアントが切断された
			s.registry.Detach(client.ID, nil)
			return

		case <-client.Done():
			// 強制切断された（シャットダウンまたは明示的な停止）
			return

		case frame := <-client.Frames():
			if err := writeFrame(writer, frame); err != nil {
				// 書き込み失敗はこのクライアントだけを切り離す
				s.registry.Detach(client.ID, err)
				return
			}

			// 送信量は実際に書き込めたフレームだけを計上する
			s.proxy.RecordBytesSent(len(frame))

			// バッファをフラッシュ
			flusher.Flush()
		}
	}
}

// writeFrame はMJPEGフレームを1つ書き込む
func writeFrame(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\r\n")); err != nil {
		return err
	}
	return nil
}
