package domain

// TypeProblemReport 问题报告消息类型
const TypeProblemReport = "https://didcomm.org/report-problem/1.0/problem-report"

// 问题代码
const (
	ProblemMalformed          = "message-parse-failure"
	ProblemReturnRoute        = "return-route-required"
	ProblemUnknownRequester   = "requester-unknown"
	ProblemUnsupportedType    = "unsupported-message-type"
	ProblemServiceUnavailable = "service-unavailable"
	ProblemInternal           = "internal-error"
)

// ProblemDescription 问题描述
type ProblemDescription struct {
	Code string `json:"code"`
	En   string `json:"en,omitempty"`
}

// ProblemReport 请求无法处理时沿会话返回的报告
type ProblemReport struct {
	Header
	Description ProblemDescription `json:"description"`
}

// NewProblemReport 创建问题报告
func NewProblemReport(code, explain string) *ProblemReport {
	return &ProblemReport{
		Header:      newHeader(TypeProblemReport),
		Description: ProblemDescription{Code: code, En: explain},
	}
}
