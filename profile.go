package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// CheckoutProfile holds the data typed into checkout forms. It is stored in
// plain YAML; protecting the file is left to the operator.
type CheckoutProfile struct {
	Contact  ContactInfo  `yaml:"contact"`
	Shipping ShippingInfo `yaml:"shipping"`
	Card     CardInfo     `yaml:"card"`
}

type ContactInfo struct {
	Email     string `yaml:"email"`
	Phone     string `yaml:"phone"`
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
}

type ShippingInfo struct {
	Address1 string `yaml:"address1"`
	Address2 string `yaml:"address2"`
	City     string `yaml:"city"`
	State    string `yaml:"state"`
	Zip      string `yaml:"zip"`
	Country  string `yaml:"country"`
}

type CardInfo struct {
	Name   string `yaml:"name"`
	Number string `yaml:"number"`
	Expiry string `yaml:"expiry"`
	CVV    string `yaml:"cvv"`
}

// Profile field keys used by the autofill rules.
const (
	fieldEmail      = "email"
	fieldPhone      = "phone"
	fieldFirstName  = "first_name"
	fieldLastName   = "last_name"
	fieldFullName   = "full_name"
	fieldAddress1   = "address1"
	fieldAddress2   = "address2"
	fieldCity       = "city"
	fieldState      = "state"
	fieldZip        = "zip"
	fieldCountry    = "country"
	fieldCardName   = "card_name"
	fieldCardNumber = "card_number"
	fieldCardExpiry = "card_expiry"
	fieldCardMonth  = "card_exp_month"
	fieldCardYear   = "card_exp_year"
	fieldCardCVV    = "card_cvv"
)

// Value returns the profile value for a field key.
func (p *CheckoutProfile) Value(field string) string {
	switch field {
	case fieldEmail:
		return p.Contact.Email
	case fieldPhone:
		return p.Contact.Phone
	case fieldFirstName:
		return p.Contact.FirstName
	case fieldLastName:
		return p.Contact.LastName
	case fieldFullName:
		return strings.TrimSpace(p.Contact.FirstName + " " + p.Contact.LastName)
	case fieldAddress1:
		return p.Shipping.Address1
	case fieldAddress2:
		return p.Shipping.Address2
	case fieldCity:
		return p.Shipping.City
	case fieldState:
		return p.Shipping.State
	case fieldZip:
		return p.Shipping.Zip
	case fieldCountry:
		return p.Shipping.Country
	case fieldCardName:
		if p.Card.Name != "" {
			return p.Card.Name
		}
		return p.Value(fieldFullName)
	case fieldCardNumber:
		return p.Card.Number
	case fieldCardExpiry:
		return p.Card.Expiry
	case fieldCardMonth:
		month, _, _ := strings.Cut(p.Card.Expiry, "/")
		return strings.TrimSpace(month)
	case fieldCardYear:
		_, year, _ := strings.Cut(p.Card.Expiry, "/")
		return strings.TrimSpace(year)
	case fieldCardCVV:
		return p.Card.CVV
	}
	return ""
}

// LoadProfile reads the checkout profile. A missing file yields an empty
// profile; autofill then leaves forms to the operator.
func LoadProfile(fs afero.Fs, path string) (*CheckoutProfile, error) {
	profile := &CheckoutProfile{}
	data, err := afero.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return profile, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return profile, nil
}

func (p *CheckoutProfile) Save(fs afero.Fs, path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0600)
}
