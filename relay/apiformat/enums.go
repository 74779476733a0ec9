package apiformat

// Family is an upstream API dialect.
type Family string

const (
	FamilyOpenAI Family = "openai"
	FamilyClaude Family = "claude"
	FamilyGemini Family = "gemini"
)

// Kind is the shape of an endpoint within a family. chat is the standard
// completions surface; cli is the newer stateful surface (OpenAI Responses,
// Claude Code); video and image are generation tasks.
type Kind string

const (
	KindChat  Kind = "chat"
	KindCLI   Kind = "cli"
	KindVideo Kind = "video"
	KindImage Kind = "image"
)

// AuthMethod is how a credential travels to the upstream.
type AuthMethod string

const (
	AuthBearer   AuthMethod = "bearer"
	AuthApiKey   AuthMethod = "api_key"
	AuthGoogKey  AuthMethod = "goog_key"
	AuthOAuth2   AuthMethod = "oauth2"
	AuthQueryKey AuthMethod = "query_key"
)

// EndpointType classifies the inbound route before family resolution.
type EndpointType string

const (
	EndpointChat      EndpointType = "chat"
	EndpointVideo     EndpointType = "video"
	EndpointFiles     EndpointType = "files"
	EndpointImage     EndpointType = "image"
	EndpointAudio     EndpointType = "audio"
	EndpointEmbedding EndpointType = "embedding"
	EndpointModels    EndpointType = "models"
)

// ValidFamily reports whether f is a known family value.
func ValidFamily(f Family) bool {
	switch f {
	case FamilyOpenAI, FamilyClaude, FamilyGemini:
		return true
	}
	return false
}

// ValidKind reports whether k is a known kind value.
func ValidKind(k Kind) bool {
	switch k {
	case KindChat, KindCLI, KindVideo, KindImage:
		return true
	}
	return false
}
