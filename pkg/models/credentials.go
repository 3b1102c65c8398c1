package models

// BedrockCredentials holds AWS credentials for Amazon Bedrock.
type BedrockCredentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Region          string `json:"region"`
}

// APIKeys holds per-provider API keys supplied by the credential store.
type APIKeys struct {
	Anthropic    string              `json:"anthropic,omitempty"`
	OpenAI       string              `json:"openai,omitempty"`
	Google       string              `json:"google,omitempty"`
	XAI          string              `json:"xai,omitempty"`
	DeepSeek     string              `json:"deepseek,omitempty"`
	OpenRouter   string              `json:"openrouter,omitempty"`
	LiteLLM      string              `json:"litellm,omitempty"`
	Ollama       string              `json:"ollama,omitempty"`
	AzureFoundry string              `json:"azureFoundry,omitempty"`
	Bedrock      *BedrockCredentials `json:"bedrock,omitempty"`
}

// Credentials is the credential material forwarded into the agent's environment.
// Env carries opaque variables that are passed through verbatim.
type Credentials struct {
	APIKeys APIKeys
	Env     map[string]string
}

// Environ returns the environment variables for the credentials.
// Empty keys are skipped. Opaque variables win over mapped provider keys.
func (c Credentials) Environ() map[string]string {
	env := make(map[string]string)
	set := func(key, value string) {
		if value != "" {
			env[key] = value
		}
	}

	k := c.APIKeys
	set("ANTHROPIC_API_KEY", k.Anthropic)
	set("OPENAI_API_KEY", k.OpenAI)
	set("GOOGLE_GENERATIVE_AI_API_KEY", k.Google)
	set("XAI_API_KEY", k.XAI)
	set("DEEPSEEK_API_KEY", k.DeepSeek)
	set("OPENROUTER_API_KEY", k.OpenRouter)
	set("LITELLM_API_KEY", k.LiteLLM)
	set("OLLAMA_API_KEY", k.Ollama)
	set("AZURE_API_KEY", k.AzureFoundry)
	if k.Bedrock != nil {
		set("AWS_ACCESS_KEY_ID", k.Bedrock.AccessKeyID)
		set("AWS_SECRET_ACCESS_KEY", k.Bedrock.SecretAccessKey)
		set("AWS_REGION", k.Bedrock.Region)
	}

	for key, value := range c.Env {
		if key != "" {
			env[key] = value
		}
	}
	return env
}
