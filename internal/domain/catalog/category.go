// Package catalog classifies pharmacy products for dispensing rules.
package catalog

import "fmt"

// Category is a pharmacy product category
type Category string

const (
	CategoryPrescription   Category = "prescription"
	CategoryOTC            Category = "otc"
	CategoryControlled     Category = "controlled"
	CategoryDermocosmetics Category = "dermocosmetics"
	CategoryPersonalCare   Category = "personal_care"
	CategoryNutrition      Category = "nutrition"
	CategoryMedicalDevice  Category = "medical_device"
	CategoryInfantCare     Category = "infant_care"
	CategoryOrthopedics    Category = "orthopedics"
)

// Categories lists every category in display order
var Categories = []Category{
	CategoryPrescription,
	CategoryOTC,
	CategoryControlled,
	CategoryDermocosmetics,
	CategoryPersonalCare,
	CategoryNutrition,
	CategoryMedicalDevice,
	CategoryInfantCare,
	CategoryOrthopedics,
}

// Parse returns the category named s
func Parse(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown product category %q", s)
}

// RequiresPrescription reports whether products in c can only be dispensed against a prescription
func RequiresPrescription(c Category) bool {
	return c == CategoryPrescription || c == CategoryControlled
}
