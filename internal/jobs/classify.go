package jobs

import "strings"

// AuthRequiredMessage は認証要求を検出したときに利用者へ返す固定文言です。
const AuthRequiredMessage = `YouTube requires authentication. Click the "Authenticate with YouTube" button while on YouTube.com.`

// authChallengePatterns はボット検出・クッキー要求・認証要求を示す部分文字列です。
var authChallengePatterns = []string{
	"Sign in to confirm you're not a bot",
	"Sign in to confirm you’re not a bot",
	"cookies",
	"authentication",
}

// IsAuthChallenge はエラーメッセージが再認証を要求しているかを判定します。
func IsAuthChallenge(message string) bool {
	for _, pattern := range authChallengePatterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}
	return false
}
