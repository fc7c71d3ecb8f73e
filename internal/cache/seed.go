package cache

import "time"

// SeedEntry is a question/answer pair loaded into the cache at startup.
type SeedEntry struct {
	Question string `json:"question" yaml:"question"`
	Response string `json:"response" yaml:"response"`
}

// CommonQuestions returns the built-in pre-warm set.
func CommonQuestions() []SeedEntry {
	return []SeedEntry{
		{
			Question: "안녕하세요",
			Response: "안녕하세요! 한국어 학습을 도와드릴게요. 궁금한 점이 있으시면 언제든 물어보세요! 😊",
		},
		{
			Question: "감사합니다",
			Response: "천만에요! 도움이 되어서 기뻐요. 더 궁금한 점이 있으시면 언제든 말씀해주세요! 🌟",
		},
		{
			Question: "한국어 어렵다",
			Response: "한국어가 어려우시군요! 하지만 걱정하지 마세요. 차근차근 배우시면 분명히 실력이 늘 거예요. 꾸준히 연습하시고, 궁금한 점이 있으시면 언제든 물어보세요! 💪",
		},
		{
			Question: "문법",
			Response: "한국어 문법에 대해 궁금하시군요! 한국어 문법의 핵심을 알려드릴게요:\n\n" +
				"📝 기본 문장 구조: 주어 + 목적어 + 동사\n" +
				"📝 존댓말: 문장 끝에 '~요', '~습니다' 사용\n" +
				"📝 조사: '은/는', '이/가', '을/를' 등\n\n" +
				"구체적인 문법 질문이 있으시면 언제든 물어보세요! 😊",
		},
	}
}

// Seed stores every entry with an empty history and the given TTL
// (SeedTTL when ttl is zero).
func Seed(c Cache, entries []SeedEntry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = SeedTTL
	}
	for _, e := range entries {
		c.SetWithTTL(e.Question, e.Response, nil, ttl)
	}
}
