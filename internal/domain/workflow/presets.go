package workflow

// BuiltinWorkflows returns the set of built-in workflow definitions.
func BuiltinWorkflows() []*Workflow {
	return []*Workflow{
		StandardSDLC(),
	}
}

// StandardSDLC defines the full development lifecycle: each producing stage
// is followed by a human-review checkpoint, from requirements analysis
// through deployment.
func StandardSDLC() *Workflow {
	w := New(
		"Standard SDLC",
		"Complete software development lifecycle from requirements to deployment.",
		[]Step{
			NewAgentStep("generate_user_stories", "business_analyst", "generate_user_stories",
				map[string]string{"project_name": "project_name", "requirements": "requirements"},
				map[string]string{"user_stories": "user_stories"},
			),
			NewHumanReviewStep("review_user_stories", "user_stories"),

			NewAgentStep("create_design_documents", "architect", "create_design_documents",
				map[string]string{
					"project_name": "project_name",
					"requirements": "requirements",
					"user_stories": "user_stories",
				},
				map[string]string{"design_documents": "design_documents"},
			),
			NewHumanReviewStep("review_design_documents", "design_documents"),

			NewAgentStep("generate_code", "developer", "generate_code",
				map[string]string{
					"project_name":     "project_name",
					"requirements":     "requirements",
					"user_stories":     "user_stories",
					"design_documents": "design_documents",
				},
				map[string]string{"code_generated": "code_generated"},
			),
			NewHumanReviewStep("code_review", "code"),

			NewAgentStep("security_review", "security", "security_review",
				map[string]string{"code_generated": "code_generated"},
				map[string]string{"security_recommendations": "security_recommendations"},
			),
			NewHumanReviewStep("human_security_review", "security"),

			NewAgentStep("write_test_cases", "qa", "write_test_cases",
				map[string]string{
					"code_generated": "code_generated",
					"user_stories":   "user_stories",
				},
				map[string]string{"test_cases": "test_cases"},
			),
			NewHumanReviewStep("review_test_cases", "test_cases"),

			NewAgentStep("qa_testing", "qa", "qa_testing",
				map[string]string{
					"code_generated": "code_generated",
					"test_cases":     "test_cases",
				},
				map[string]string{"qa_testing_comments": "qa_testing_comments"},
			),
			NewHumanReviewStep("qa_review", "qa_testing"),

			NewAgentStep("deployment", "devops", "deployment",
				map[string]string{"code_generated": "code_generated"},
				map[string]string{
					"deployment_status":   "deployment_status",
					"deployment_feedback": "deployment_feedback",
				},
			),
		},
	)
	w.ID = "standard-sdlc"
	return w
}
