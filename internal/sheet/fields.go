package sheet

// Fields maps the logical new-hire attributes onto column headers.
type Fields struct {
	Name        string
	Email       string
	JoiningDate string
	Mentor      string
	Department  string
	Duration    string
}

// DefaultFields matches the onboarding form's column headers.
func DefaultFields() Fields {
	return Fields{
		Name:        "Name",
		Email:       "Email Address",
		JoiningDate: "Joining Date",
		Mentor:      "Mentor Name",
		Department:  "Department",
		Duration:    "Internship Duration (Months)",
	}
}

// WithDefaults fills blank entries from DefaultFields.
func (f Fields) WithDefaults() Fields {
	d := DefaultFields()
	if f.Name == "" {
		f.Name = d.Name
	}
	if f.Email == "" {
		f.Email = d.Email
	}
	if f.JoiningDate == "" {
		f.JoiningDate = d.JoiningDate
	}
	if f.Mentor == "" {
		f.Mentor = d.Mentor
	}
	if f.Department == "" {
		f.Department = d.Department
	}
	if f.Duration == "" {
		f.Duration = d.Duration
	}
	return f
}

// Required returns every mapped column, in form order.
func (f Fields) Required() []string {
	return []string{f.Name, f.Email, f.JoiningDate, f.Mentor, f.Department, f.Duration}
}
