// Package topicchat 提供一個以主題分隔的即時訊息代理。
//
// 客戶端透過 WebSocket 加入具名主題，與同一主題內的所有人交換文字訊息，
// 並收到送達確認。所有狀態都在單一行程的記憶體中，重啟後不保留。
//
// # 連線註冊表
//
// 管理主題與成員：
//   - 主題內名稱唯一，衝突時分配 alice#1、alice#2…
//   - 主題數與每個主題的連線數上限
//   - 每條連線的固定視窗速率限制
//   - 最後一位成員離開時主題自動刪除
//   - 逾時連線定期清理
//
// # 訊息生命週期
//
// 訊息只需要短暫存在：
//   - 接受前先檢查速率，再驗證內容（長度與注入特徵）
//   - 廣播給主題內所有人（包含發送者），單一接收者失敗不影響其他人
//   - 每則訊息一個計時器，TTL 到期移除；過期訊息不再投遞
//
// # 協議狀態機
//
// 每條連線都是 Connecting → Joined → Closed：
//
//	{"type":"join","username":"alice","topic":"general"}
//	{"type":"message","message":"hello"}
//	{"type":"list"}
//	{"type":"heartbeat"}
//	{"type":"leave"}
//
// 第一個訊框必須是 join。握手失敗的關閉碼：
//   - 1003：JSON 格式錯誤
//   - 1002：第一個訊框不是 join
//   - 1008：加入被拒絕（名稱不合法、主題已滿等）
//
// # 使用範例
//
// 啟動服務器：
//
//	go run ./cmd/server --config config.yaml --log-level debug
//
// 互動式客戶端：
//
//	go run ./cmd/client --username alice --topic general
//
// # 配置
//
// 載入順序：預設值 → YAML 檔 → .env → CHAT_* 環境變數 → 命令列參數。
//
//	server:
//	  port: 8000
//	  allowed_origins: ["https://chat.example.com"]
//	broker:
//	  max_topics: 1000
//	  max_connections_per_topic: 100
//	  rate_limit_per_minute: 60
//	  message_ttl: 30s
//	  connection_timeout: 5m
//	  sweep_interval: 1m
//	log:
//	  level: info
//	  format: json
//
// # 架構設計
//
//   - Handler 層：/health、/stats、/api/v1/topics 與 /ws
//   - WebSocketHub：升級連線、來源檢查、為每條連線執行 Session
//   - Session：協議狀態機
//   - Registry / MessageManager：各自持有一把鎖，互不在持鎖時呼叫對方
//   - Sweeper：背景清理
package topicchat
